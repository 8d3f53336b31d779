// Package models defines the persistent entities of the ingest/dispatch
// tier.
package models

import "time"

// Server is a registered (or pending) game server.
type Server struct {
	ServerID              string
	Platform              *string
	FirstSeenAt           time.Time
	LastSeenAt            time.Time
	AuthTokenHash         string
	AuthTokenFirstSeenAt  time.Time
	OwnerUserID           *string
	RegisteredAt          *time.Time
	CallbackURL           *string
	WebhookURL            *string
	WebhookEnabled        bool
	WebhookSeverityLevels []string
}

// IsRegistered reports whether the server has completed owner registration.
func (s *Server) IsRegistered() bool {
	return s != nil && s.OwnerUserID != nil && s.RegisteredAt != nil
}

// Transform identifies which batch transform a module expects.
type Transform string

const (
	TransformRaw      Transform = "raw_ndjson_gz"
	TransformMovement Transform = "movement_events_v1_ndjson_gz"
	TransformCombat   Transform = "combat_events_v1_ndjson_gz"
	TransformNCPFight Transform = "ncp_fight_v1_ndjson_gz"
)

// ServerModule is a single analysis module registered against a server.
type ServerModule struct {
	ID                  int64
	ServerID            string
	Name                string
	BaseURL             string
	Enabled             bool
	Transform           Transform
	LastHealthcheckOK   bool
	ConsecutiveFailures int
	LastError           *string
	LastHealthcheckAt   *time.Time
}

// BuiltinModule describes a default module seeded for every newly
// encountered server.
type BuiltinModule struct {
	Name      string
	Port      int
	Transform Transform
	Checks    []string
}

// Builtins is the canonical set of default analysis modules.
var Builtins = []BuiltinModule{
	{Name: "Movement Core", Port: 4030, Transform: TransformMovement, Checks: []string{"flight", "speed", "noclip", "jesus", "ascend"}},
	{Name: "Movement Advanced", Port: 4031, Transform: TransformMovement, Checks: []string{"phase", "spider", "glide", "strafe", "motion", "step", "teleport", "nofall"}},
	{Name: "Combat Core", Port: 4032, Transform: TransformCombat, Checks: []string{"killaura", "reach", "autoclicker", "aimbot"}},
	{Name: "Combat Advanced", Port: 4033, Transform: TransformNCPFight, Checks: []string{
		"killaura_advanced", "reach_precise", "aim_assist", "multi_aura", "hitbox", "velocity",
		"criticals", "aim_snap", "no_swing", "inhuman_accuracy", "target_prediction", "attack_pattern",
	}},
	{Name: "Player Core", Port: 4034, Transform: TransformRaw, Checks: []string{"inventory", "fastuse", "fastplace", "fastbreak", "nuker", "scaffold"}},
	{Name: "Player Advanced", Port: 4035, Transform: TransformRaw, Checks: []string{"xray", "esp", "freecam", "autofish", "autofarm", "macro"}},
}

// DefaultBaseURL returns the loopback URL a builtin module listens on.
func DefaultBaseURL(port int) string {
	return "http://127.0.0.1:" + itoa(port)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// LegacyModuleNames and LegacyModulePorts are module rows/base-urls from a prior module topology,
// removed the first time a server is seen under the current builtin set.
var LegacyModuleNames = []string{"Combat Module", "Movement Module", "Player Module"}
var LegacyModulePorts = []int{4011, 4012, 4021, 4022, 4023, 4024, 4025, 4026}

// BatchIndexRow is the durable record of one ingested batch, written before
// the blob itself.
type BatchIndexRow struct {
	BatchID      string
	ServerID     string
	SessionID    string
	BlobKey      string
	PayloadBytes int64
	ReceivedAt   time.Time
}

// Severity is a finding's severity band, also used to pick webhook color.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// severityRank orders severities for the aggregator's monotonicity rule:
// a window's stored severity only ever moves up, never down.
var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the monotonicity ordinal for s. Unknown values rank with
// info, the floor of the scale.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return severityRank[SeverityInfo]
}

// Finding is an aggregated, minute-bucketed detector result.
type Finding struct {
	ServerID        string
	PlayerUUID      string
	DetectorName    string
	WindowStartAt   time.Time
	DetectorVersion string
	Severity        Severity
	Title           string
	Description     string
	EvidenceRef     *string
	Occurrences     int
	FirstSeenAt     time.Time
	LastSeenAt      time.Time
}

// ModulePlayerState is a module's opaque per-player scratch state.
type ModulePlayerState struct {
	ServerID   string
	PlayerUUID string
	ModuleName string
	State      []byte // opaque JSON
	UpdatedAt  time.Time
}

// Player is the global identity record for an observed player.
type Player struct {
	UUID        string
	Username    string
	FirstSeenAt time.Time
	LastSeenAt  time.Time
}

// DispatchStatus is the outcome recorded for a module dispatch attempt.
type DispatchStatus string

const (
	DispatchSent   DispatchStatus = "sent"
	DispatchFailed DispatchStatus = "failed"
)

// DispatchRecord is an append-only audit row per (batch, module) dispatch.
type DispatchRecord struct {
	ID           int64
	BatchID      string
	ServerID     string
	ModuleName   string
	Status       DispatchStatus
	RemoteStatus int
	Error        *string
	DispatchedAt time.Time
}

// ObservationType enumerates the kinds of manual cheat observation a
// server operator can submit out-of-band from automated detection.
type ObservationType string

const (
	ObservationRecording     ObservationType = "recording"
	ObservationUndetected    ObservationType = "undetected"
	ObservationFalsePositive ObservationType = "false_positive"
)

// CheatObservation is a manually submitted note about a player, outside
// the automated detector pipeline.
type CheatObservation struct {
	ID              int64
	ServerID        string
	PlayerUUID      *string
	ObservationType ObservationType
	DetectorName    *string
	Notes           *string
	RecordedAt      time.Time
}
