// Package transform re-encodes a raw packet NDJSON batch into the
// normalized event stream a given analysis module expects. Every
// non-identity transform is a streaming line-oriented gzip-to-gzip pass:
// the decompressed body is never buffered in full, matching the memory
// profile of the ingest pipeline's largest batches.
package transform

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/packetwatch/anticheat-ingest/internal/models"
	"github.com/packetwatch/anticheat-ingest/internal/pkg/id"
)

// rawPacket is one decoded line of the ingested NDJSON stream, after the
// metadata header. fields varies by packet kind, so it is read lazily
// through the accessor helpers below rather than a fixed struct.
type rawPacket struct {
	TS     *uint64        `json:"ts"`
	UUID   string         `json:"uuid"`
	Dir    string         `json:"dir"`
	Pkt    string         `json:"pkt"`
	Fields map[string]any `json:"fields"`
}

func (p *rawPacket) f64(name string) (float64, bool) {
	v, ok := p.Fields[name]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

func (p *rawPacket) i64(name string) (int64, bool) {
	f, ok := p.f64(name)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

func (p *rawPacket) str(name string) (string, bool) {
	v, ok := p.Fields[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (p *rawPacket) boolean(name string) (bool, bool) {
	v, ok := p.Fields[name]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

func (p *rawPacket) int64s(name string) []int64 {
	v, ok := p.Fields[name]
	if !ok {
		return nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]int64, 0, len(arr))
	for _, e := range arr {
		if f, ok := e.(float64); ok {
			out = append(out, int64(f))
		}
	}
	return out
}

// metaTransformName is the value written into the passed-through metadata
// line's "transform" field: shorter than the dispatch-facing tag because
// that is what the original implementation emits.
func metaTransformName(kind models.Transform) string {
	switch kind {
	case models.TransformMovement:
		return "movement_events_v1"
	case models.TransformCombat:
		return "combat_events_v1"
	case models.TransformNCPFight:
		return "ncp_fight_v1"
	default:
		return string(kind)
	}
}

// lineProcessor turns one raw NDJSON line (after the metadata header) into
// zero-or-one output records. Implementations decode the line themselves
// since each transform reads a different subset of fields.
type lineProcessor interface {
	process(line []byte) (any, bool)
}

// Run applies the transform named by kind, reading gzipped NDJSON from src
// and writing gzipped NDJSON to dst. raw_ndjson_gz is a byte-for-byte
// passthrough; every other transform's first output line is the input's
// metadata line, annotated with a "transform" field, and every subsequent
// line runs through that transform's lineProcessor.
func Run(kind models.Transform, src io.Reader, dst io.Writer) error {
	if kind == models.TransformRaw {
		_, err := io.Copy(dst, src)
		return err
	}

	var proc lineProcessor
	switch kind {
	case models.TransformMovement:
		proc = newMovementProcessor()
	case models.TransformCombat:
		proc = newCombatProcessor()
	case models.TransformNCPFight:
		proc = newFightProcessor()
	default:
		return fmt.Errorf("unsupported transform: %s", kind)
	}

	gr, err := gzip.NewReader(src)
	if err != nil {
		return fmt.Errorf("open gzip reader: %w", err)
	}
	defer gr.Close()

	gw := gzip.NewWriter(dst)
	defer gw.Close()

	writer := bufio.NewWriter(gw)
	scanner := bufio.NewScanner(gr)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	first := true
	for scanner.Scan() {
		line := scanner.Bytes()
		if first {
			first = false
			if err := writeMetaLine(writer, line, kind); err != nil {
				return err
			}
			continue
		}
		if len(line) == 0 {
			continue
		}

		out, ok := proc.process(line)
		if !ok {
			continue
		}
		enc, err := json.Marshal(out)
		if err != nil {
			return err
		}
		if _, err := writer.Write(enc); err != nil {
			return err
		}
		if err := writer.WriteByte('\n'); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan batch: %w", err)
	}

	if err := writer.Flush(); err != nil {
		return err
	}
	return gw.Close()
}

// writeMetaLine copies the batch's metadata header through unchanged
// except for an added "transform" field. An unparseable header still
// passes through annotated with an otherwise-empty object, so the
// envelope invariant (first line is valid JSON naming the transform)
// always holds.
func writeMetaLine(w *bufio.Writer, line []byte, kind models.Transform) error {
	var meta map[string]any
	if err := json.Unmarshal(line, &meta); err != nil || meta == nil {
		meta = map[string]any{}
	}
	meta["transform"] = metaTransformName(kind)

	enc, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if _, err := w.Write(enc); err != nil {
		return err
	}
	return w.WriteByte('\n')
}

// ---------------------------------------------------------------------
// movement_events_v1
// ---------------------------------------------------------------------

type lastPos struct {
	ts      uint64
	x, y, z float64
}

// movementProcessor emits one event per packet carrying finite (x,y,z),
// with delta/speed fields added once a strictly-later prior position is
// known for the player.
type movementProcessor struct {
	last map[string]lastPos
}

func newMovementProcessor() *movementProcessor {
	return &movementProcessor{last: make(map[string]lastPos)}
}

type movementEvent struct {
	TS       uint64   `json:"ts"`
	UUID     string   `json:"uuid"`
	X        float64  `json:"x"`
	Y        float64  `json:"y"`
	Z        float64  `json:"z"`
	OnGround *bool    `json:"on_ground,omitempty"`
	DtMs     *float64 `json:"dt_ms,omitempty"`
	Dx       *float64 `json:"dx,omitempty"`
	Dy       *float64 `json:"dy,omitempty"`
	Dz       *float64 `json:"dz,omitempty"`
	SpeedBps *float64 `json:"speed_bps,omitempty"`
}

func (m *movementProcessor) process(line []byte) (any, bool) {
	var p rawPacket
	if err := json.Unmarshal(line, &p); err != nil {
		return nil, false
	}
	if p.TS == nil || !id.IsValid(p.UUID) || p.Fields == nil {
		return nil, false
	}
	if p.Dir != "serverbound" {
		return nil, false
	}

	x, okX := p.f64("x")
	y, okY := p.f64("y")
	z, okZ := p.f64("z")
	if !okX || !okY || !okZ {
		return nil, false
	}
	if !finite3(x, y, z) {
		return nil, false
	}

	ev := movementEvent{TS: *p.TS, UUID: p.UUID, X: x, Y: y, Z: z}
	if og, ok := p.boolean("on_ground"); ok {
		ev.OnGround = &og
	}

	if prev, had := m.last[p.UUID]; had && *p.TS > prev.ts {
		dtMs := float64(*p.TS - prev.ts)
		dx, dy, dz := x-prev.x, y-prev.y, z-prev.z
		dist := math.Sqrt(dx*dx + dy*dy + dz*dz)
		speed := 0.0
		if dtMs > 0 {
			speed = dist / (dtMs / 1000.0)
		}
		ev.DtMs, ev.Dx, ev.Dy, ev.Dz, ev.SpeedBps = &dtMs, &dx, &dy, &dz, &speed
	}

	m.last[p.UUID] = lastPos{ts: *p.TS, x: x, y: y, z: z}
	return ev, true
}

func finite3(x, y, z float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0) &&
		!math.IsNaN(y) && !math.IsInf(y, 0) &&
		!math.IsNaN(z) && !math.IsInf(z, 0)
}

// ---------------------------------------------------------------------
// combat_events_v1
// ---------------------------------------------------------------------

type pose struct {
	x, y, z, yaw, pitch float64
}

type lastAttack struct {
	ts             uint64
	targetEntityID int64
	yaw            *float64
}

// combatProcessor tracks per-player pose from position/rotation packets
// and emits one enriched event per ATTACK action, diffing against the
// player's previous attack when one is known.
type combatProcessor struct {
	lastPose    map[string]pose
	lastAttacks map[string]lastAttack
}

func newCombatProcessor() *combatProcessor {
	return &combatProcessor{lastPose: make(map[string]pose), lastAttacks: make(map[string]lastAttack)}
}

type combatEvent struct {
	TS               uint64   `json:"ts"`
	UUID             string   `json:"uuid"`
	EntityID         int64    `json:"entity_id"`
	Sneaking         bool     `json:"sneaking"`
	PlayerX          *float64 `json:"player_x,omitempty"`
	PlayerY          *float64 `json:"player_y,omitempty"`
	PlayerZ          *float64 `json:"player_z,omitempty"`
	PlayerYaw        *float64 `json:"player_yaw,omitempty"`
	PlayerPitch      *float64 `json:"player_pitch,omitempty"`
	DtMs             *float64 `json:"dt_ms,omitempty"`
	AttacksPerSecond *float64 `json:"attacks_per_second,omitempty"`
	TargetSwitched   *bool    `json:"target_switched,omitempty"`
	YawDiff          *float64 `json:"yaw_diff,omitempty"`
}

func (c *combatProcessor) process(line []byte) (any, bool) {
	var p rawPacket
	if err := json.Unmarshal(line, &p); err != nil {
		return nil, false
	}
	if p.TS == nil || !id.IsValid(p.UUID) {
		return nil, false
	}

	if containsAny(p.Pkt, "POSITION", "ROTATION") {
		c.updatePose(p)
		return nil, false
	}

	if !containsAny(p.Pkt, "INTERACT", "USE_ENTITY") {
		return nil, false
	}
	if p.Fields == nil {
		return nil, false
	}
	if action, _ := p.str("action"); action != "ATTACK" {
		return nil, false
	}

	entityID, _ := p.i64("entity_id")
	if _, ok := p.Fields["entity_id"]; !ok {
		entityID = -1
	}
	sneaking, _ := p.boolean("sneaking")

	ev := combatEvent{TS: *p.TS, UUID: p.UUID, EntityID: entityID, Sneaking: sneaking}

	ps, havePose := c.lastPose[p.UUID]
	if havePose {
		ev.PlayerX, ev.PlayerY, ev.PlayerZ = &ps.x, &ps.y, &ps.z
		ev.PlayerYaw, ev.PlayerPitch = &ps.yaw, &ps.pitch
	}

	if prev, had := c.lastAttacks[p.UUID]; had {
		dtMs := float64(satSub(*p.TS, prev.ts))
		ev.DtMs = &dtMs
		if dtMs > 0 {
			aps := 1000.0 / dtMs
			ev.AttacksPerSecond = &aps
		}
		switched := entityID != prev.targetEntityID
		ev.TargetSwitched = &switched
		if prev.yaw != nil && havePose {
			diff := yawDifference(ps.yaw, *prev.yaw)
			ev.YawDiff = &diff
		}
	}

	var yawPtr *float64
	if havePose {
		y := ps.yaw
		yawPtr = &y
	}
	c.lastAttacks[p.UUID] = lastAttack{ts: *p.TS, targetEntityID: entityID, yaw: yawPtr}

	return ev, true
}

func (c *combatProcessor) updatePose(p rawPacket) {
	if p.Fields == nil {
		return
	}
	x, okX := p.f64("x")
	y, okY := p.f64("y")
	z, okZ := p.f64("z")
	yaw, okYaw := p.f64("yaw")
	pitch, okPitch := p.f64("pitch")

	if prev, had := c.lastPose[p.UUID]; had {
		if okX {
			prev.x = x
		}
		if okY {
			prev.y = y
		}
		if okZ {
			prev.z = z
		}
		if okYaw {
			prev.yaw = yaw
		}
		if okPitch {
			prev.pitch = pitch
		}
		c.lastPose[p.UUID] = prev
		return
	}
	if okX && okY && okZ {
		np := pose{x: x, y: y, z: z}
		if okYaw {
			np.yaw = yaw
		}
		if okPitch {
			np.pitch = pitch
		}
		c.lastPose[p.UUID] = np
	}
}

func satSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}

// yawDifference returns the absolute angular distance between two yaws in
// degrees, corrected for the -180/180 wraparound so it never exceeds 180.
func yawDifference(a, b float64) float64 {
	diff := math.Mod(math.Abs(a-b), 360)
	if diff > 180 {
		diff = 360 - diff
	}
	return diff
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------
// ncp_fight_v1
// ---------------------------------------------------------------------

type entityPos struct{ x, y, z float64 }

// fightProcessor additionally tracks within-batch clientbound entity
// positions (spawn/teleport absolute, relative-move additive, destroy
// removes) so attacks can be enriched with reach/aim-offset geometry
// against the target's last known position.
type fightProcessor struct {
	entityPos  map[int64]entityPos
	playerPose map[string]pose
}

const eyeHeightOffset = 1.62
const minViewVectorLength = 1e-9

func newFightProcessor() *fightProcessor {
	return &fightProcessor{entityPos: make(map[int64]entityPos), playerPose: make(map[string]pose)}
}

type fightEvent struct {
	TS            uint64   `json:"ts"`
	UUID          string   `json:"uuid"`
	EntityID      int64    `json:"entity_id"`
	PlayerX       float64  `json:"player_x"`
	PlayerY       float64  `json:"player_y"`
	PlayerZ       float64  `json:"player_z"`
	PlayerYaw     float64  `json:"player_yaw"`
	PlayerPitch   float64  `json:"player_pitch"`
	TargetX       *float64 `json:"target_x,omitempty"`
	TargetY       *float64 `json:"target_y,omitempty"`
	TargetZ       *float64 `json:"target_z,omitempty"`
	ReachDistance *float64 `json:"reach_distance,omitempty"`
	AimOff        *float64 `json:"aim_off,omitempty"`
}

func (f *fightProcessor) process(line []byte) (any, bool) {
	var p rawPacket
	if err := json.Unmarshal(line, &p); err != nil {
		return nil, false
	}
	if p.TS == nil || p.Fields == nil {
		return nil, false
	}

	if p.Dir == "clientbound" {
		f.trackEntity(p)
		return nil, false
	}

	if p.Dir != "serverbound" {
		return nil, false
	}

	if containsAny(p.Pkt, "POSITION", "ROTATION", "FLYING") {
		f.updatePlayerPose(p)
		return nil, false
	}

	if !containsAny(p.Pkt, "INTERACT_ENTITY", "USE_ENTITY") {
		return nil, false
	}
	if !id.IsValid(p.UUID) {
		return nil, false
	}
	if action, _ := p.str("action"); action != "ATTACK" {
		return nil, false
	}
	entityID, okEntity := p.i64("entity_id")
	if !okEntity {
		return nil, false
	}

	ps, havePose := f.playerPose[p.UUID]
	if !havePose {
		return nil, false
	}

	ev := fightEvent{
		TS: *p.TS, UUID: p.UUID, EntityID: entityID,
		PlayerX: ps.x, PlayerY: ps.y, PlayerZ: ps.z, PlayerYaw: ps.yaw, PlayerPitch: ps.pitch,
	}

	target, haveTarget := f.entityPos[entityID]
	if haveTarget {
		tx, ty, tz := target.x, target.y, target.z
		ev.TargetX, ev.TargetY, ev.TargetZ = &tx, &ty, &tz

		eyeX, eyeY, eyeZ := ps.x, ps.y+eyeHeightOffset, ps.z
		rx, ry, rz := target.x-eyeX, target.y-eyeY, target.z-eyeZ
		reach := math.Sqrt(rx*rx + ry*ry + rz*rz)
		ev.ReachDistance = &reach

		dx, dy, dz := lookVector(ps.yaw, ps.pitch)
		dLen := math.Max(math.Sqrt(dx*dx+dy*dy+dz*dz), minViewVectorLength)
		crossX := ry*dz - rz*dy
		crossY := rz*dx - rx*dz
		crossZ := rx*dy - ry*dx
		aimOff := math.Sqrt(crossX*crossX+crossY*crossY+crossZ*crossZ) / dLen
		ev.AimOff = &aimOff
	}

	return ev, true
}

func (f *fightProcessor) trackEntity(p rawPacket) {
	if containsAny(p.Pkt, "SPAWN", "ENTITY_TELEPORT") {
		entityID, okID := p.i64("entity_id")
		x, okX := p.f64("x")
		y, okY := p.f64("y")
		z, okZ := p.f64("z")
		if okID && okX && okY && okZ {
			f.entityPos[entityID] = entityPos{x: x, y: y, z: z}
		}
		return
	}

	if containsAny(p.Pkt, "ENTITY_RELATIVE_MOVE") {
		entityID, okID := p.i64("entity_id")
		if !okID {
			return
		}
		dx, _ := p.f64("dx")
		dy, _ := p.f64("dy")
		dz, _ := p.f64("dz")
		if cur, ok := f.entityPos[entityID]; ok {
			cur.x += dx
			cur.y += dy
			cur.z += dz
			f.entityPos[entityID] = cur
		}
		return
	}

	if containsAny(p.Pkt, "DESTROY_ENTITIES") {
		for _, eid := range p.int64s("entity_ids") {
			delete(f.entityPos, eid)
		}
	}
}

// updatePlayerPose seeds a player's pose only once real (x,y,z) has been
// observed: a rotation-only packet never bootstraps a bogus (0,0,0)
// origin, though it can update yaw/pitch on an already-seeded pose.
func (f *fightProcessor) updatePlayerPose(p rawPacket) {
	if !id.IsValid(p.UUID) {
		return
	}
	x, okX := p.f64("x")
	y, okY := p.f64("y")
	z, okZ := p.f64("z")
	yaw, okYaw := p.f64("yaw")
	pitch, okPitch := p.f64("pitch")

	if prev, had := f.playerPose[p.UUID]; had {
		if okX {
			prev.x = x
		}
		if okY {
			prev.y = y
		}
		if okZ {
			prev.z = z
		}
		if okYaw {
			prev.yaw = yaw
		}
		if okPitch {
			prev.pitch = pitch
		}
		f.playerPose[p.UUID] = prev
		return
	}
	if okX && okY && okZ {
		np := pose{x: x, y: y, z: z}
		if okYaw {
			np.yaw = yaw
		}
		if okPitch {
			np.pitch = pitch
		}
		f.playerPose[p.UUID] = np
	}
}

// lookVector derives a unit-ish view direction from yaw/pitch in degrees:
// Minecraft's yaw rotates about the vertical axis and pitch tilts up/down.
func lookVector(yawDeg, pitchDeg float64) (x, y, z float64) {
	yaw := yawDeg * math.Pi / 180
	pitch := pitchDeg * math.Pi / 180
	x = -math.Cos(pitch) * math.Sin(yaw)
	y = -math.Sin(pitch)
	z = math.Cos(pitch) * math.Cos(yaw)
	return
}
