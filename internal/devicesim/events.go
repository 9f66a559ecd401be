package devicesim

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/iotpulse/internal/logger"
)

var ErrBadLine = errors.New("devicesim: bad detector line")

type Detection struct {
	Label string  `json:"label"`
	Conf  float64 `json:"conf"`
}

// Frame is what one capture saw.
type Frame struct {
	Faces      int
	Detections []Detection
}

// Event is the vision event payload.
type Event struct {
	TS           string      `json:"ts"`
	DeviceID     string      `json:"device_id"`
	Faces        int         `json:"faces"`
	Labels       []string    `json:"labels"`
	Detections   []Detection `json:"detections"`
	SnapshotPath *string     `json:"snapshot_path"`
	SnapshotB64  *string     `json:"snapshot_b64"`
	SnapshotURL  *string     `json:"snapshot_url"`
}

// Gate suppresses repeats: a detection set whose signature matches the last
// emitted one is held back until the cooldown has passed. Empty frames reset
// the signature without emitting.
type Gate struct {
	cooldown time.Duration
	lastSig  string
	lastAt   time.Time
}

func NewGate(cooldown time.Duration) *Gate {
	return &Gate{cooldown: cooldown}
}

// Admit reports whether f should become an event.
func (g *Gate) Admit(f Frame, now time.Time) bool {
	sig := signature(f.Faces, f.Detections)
	if f.Faces == 0 && len(f.Detections) == 0 {
		g.lastSig = sig
		return false
	}
	if sig == g.lastSig && now.Sub(g.lastAt) < g.cooldown {
		return false
	}
	g.lastSig = sig
	g.lastAt = now
	return true
}

func signature(faces int, dets []Detection) string {
	counts := make(map[string]int)
	for _, d := range dets {
		counts[d.Label]++
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := []string{"faces:" + strconv.Itoa(faces)}
	for _, k := range keys {
		parts = append(parts, k+":"+strconv.Itoa(counts[k]))
	}
	sum := sha1.Sum([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// NewEvent builds the payload for one admitted frame.
func NewEvent(deviceID string, f Frame, now time.Time) Event {
	dets := f.Detections
	labels := make([]string, 0, len(dets))
	for _, d := range dets {
		labels = append(labels, d.Label)
	}
	if dets == nil {
		dets = []Detection{}
	}
	return Event{
		TS:         now.UTC().Format(time.RFC3339Nano),
		DeviceID:   deviceID,
		Faces:      f.Faces,
		Labels:     labels,
		Detections: dets,
	}
}

var simLabels = []string{"person", "car", "dog", "cat", "bicycle", "package"}

// Simulator stands in for a camera: each frame yields a random handful of
// detections, most frames yield nothing.
type Simulator struct {
	rng     *rand.Rand
	minConf float64
}

func NewSimulator(seed uint64, minConf float64) *Simulator {
	return &Simulator{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)), minConf: minConf}
}

// Frame returns one simulated capture.
func (s *Simulator) Frame() Frame {
	if s.rng.IntN(4) != 0 {
		return Frame{}
	}
	var dets []Detection
	for i := s.rng.IntN(3); i >= 0; i-- {
		conf := float64(int(s.rng.Float64()*1000)) / 1000
		if conf < s.minConf {
			continue
		}
		dets = append(dets, Detection{Label: simLabels[s.rng.IntN(len(simLabels))], Conf: conf})
	}
	faces := 0
	for _, d := range dets {
		if d.Label == "person" && s.rng.IntN(2) == 0 {
			faces++
		}
	}
	return Frame{Faces: faces, Detections: dets}
}

// Stream emits a frame every interval until ctx is done.
func (s *Simulator) Stream(ctx context.Context, every time.Duration) <-chan Frame {
	out := make(chan Frame)
	go func() {
		defer close(out)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				select {
				case out <- s.Frame():
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// ParseDetectorLine reads one line from a serial detector:
//
//	<faces>[,<label>:<conf>]...
//
// e.g. "1,person:0.91,dog:0.40". Detections below minConf are dropped.
func ParseDetectorLine(line string, minConf float64) (Frame, error) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	faces, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil || faces < 0 {
		return Frame{}, fmt.Errorf("%w: faces %q", ErrBadLine, fields[0])
	}

	var dets []Detection
	for _, f := range fields[1:] {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		label, confStr, ok := strings.Cut(f, ":")
		if !ok || label == "" {
			return Frame{}, fmt.Errorf("%w: detection %q", ErrBadLine, f)
		}
		conf, err := strconv.ParseFloat(confStr, 64)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: confidence %q", ErrBadLine, confStr)
		}
		if conf < minConf {
			continue
		}
		dets = append(dets, Detection{Label: label, Conf: min(conf, 1)})
	}
	return Frame{Faces: faces, Detections: dets}, nil
}

// ScanDetector turns detector lines from r into frames. Bad lines are
// logged and skipped. The channel closes at EOF or read error.
func ScanDetector(ctx context.Context, r io.Reader, minConf float64, log logger.Logger) <-chan Frame {
	out := make(chan Frame)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.TrimSpace(line) == "" {
				continue
			}
			f, err := ParseDetectorLine(line, minConf)
			if err != nil {
				log.Warn().Err(err).Msg("skipping detector line")
				continue
			}
			select {
			case out <- f:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			log.Error().Err(err).Msg("detector read failed")
		}
	}()
	return out
}
