// Package shot records what the device reported at the end of each
// experiment shot: the attribute save pack, the per-channel readouts and how
// long the download and save took.
package shot

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/fisaks/labduino/internal/arduino"
	"github.com/fisaks/labduino/internal/logging"
)

var (
	ErrNoPendingShot = errors.New("shot: no shot armed")
	ErrNotFound      = errors.New("shot: not found")
)

const (
	AttrOutputStatus = "output_status"
	AttrValueMin     = "value_min"
	AttrValueMax     = "value_max"
)

type Readout struct {
	Channel string  `json:"channel"`
	Value   float64 `json:"value"`
}

type Record struct {
	ID               int64             `json:"id,omitempty"`
	Device           string            `json:"device"`
	ShotID           string            `json:"shotId"`
	File             string            `json:"file,omitempty"`
	ArmedAt          time.Time         `json:"armedAt"`
	CompletedAt      time.Time         `json:"completedAt"`
	DownloadDuration time.Duration     `json:"downloadDuration"`
	SaveDuration     time.Duration     `json:"saveDuration"`
	Attributes       map[string]string `json:"attributes"`
	Readouts         []Readout         `json:"readouts"`
}

// Store persists shot records. Save sets rec.ID and rec.SaveDuration.
type Store interface {
	Save(ctx context.Context, rec *Record) error
	Get(ctx context.Context, device, shotID string) (*Record, error)
	List(ctx context.Context, device string, limit int) ([]Record, error)
	Close() error
}

// ChannelAttr names the save pack entry for a channel value.
func ChannelAttr(ch string) string { return "channel_" + ch + "_value" }

// SavePack builds the attributes stored with a shot.
func SavePack(s arduino.Snapshot) map[string]string {
	pack := make(map[string]string, len(s.Channels)+3)
	pack[AttrOutputStatus] = s.Output.String()
	for ch, v := range s.Channels {
		pack[ChannelAttr(ch)] = arduino.FormatValue(v)
	}
	pack[AttrValueMin] = arduino.FormatValue(s.Min)
	pack[AttrValueMax] = arduino.FormatValue(s.Max)
	return pack
}

// Readouts orders the channel values by channels; channels the snapshot does
// not carry are skipped.
func Readouts(s arduino.Snapshot, channels []string) []Readout {
	out := make([]Readout, 0, len(channels))
	for _, ch := range channels {
		if v, ok := s.Channels[ch]; ok {
			out = append(out, Readout{Channel: ch, Value: v})
		}
	}
	return out
}

type pending struct {
	shotID  string
	file    string
	armedAt time.Time
}

// Recorder tracks the armed shot of one device. Store may be nil, in which
// case records are built but not persisted.
type Recorder struct {
	device   string
	channels []string
	store    Store
	now      func() time.Time

	mu      sync.Mutex
	pending *pending
}

func NewRecorder(device string, channels []string, store Store) *Recorder {
	return &Recorder{device: device, channels: channels, store: store, now: time.Now}
}

// TransitionToBuffered arms a shot. No device I/O happens here.
func (r *Recorder) TransitionToBuffered(shotID, file string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending != nil {
		logging.Warn("replacing armed shot", "device", r.device, "previous", r.pending.shotID, "shot", shotID)
	}
	if shotID == "" {
		shotID = strconv.FormatInt(r.now().UnixMilli(), 10)
	}
	r.pending = &pending{shotID: shotID, file: file, armedAt: r.now()}
}

// Pending returns the armed shot id.
func (r *Recorder) Pending() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return "", false
	}
	return r.pending.shotID, true
}

// Abort drops the armed shot and reports whether there was one.
func (r *Recorder) Abort() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	had := r.pending != nil
	r.pending = nil
	return had
}

// TransitionToManual downloads the final values through read, builds the
// record and saves it. The shot stays armed when read fails.
func (r *Recorder) TransitionToManual(ctx context.Context, read func(context.Context) (arduino.Snapshot, error)) (*Record, error) {
	r.mu.Lock()
	p := r.pending
	r.mu.Unlock()
	if p == nil {
		return nil, ErrNoPendingShot
	}

	start := r.now()
	snap, err := read(ctx)
	if err != nil {
		return nil, err
	}
	downloaded := r.now()

	rec := &Record{
		Device:           r.device,
		ShotID:           p.shotID,
		File:             p.file,
		ArmedAt:          p.armedAt,
		DownloadDuration: downloaded.Sub(start),
		Attributes:       SavePack(snap),
		Readouts:         Readouts(snap, r.channels),
	}
	rec.CompletedAt = downloaded
	if r.store != nil {
		if err := r.store.Save(ctx, rec); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	if r.pending == p {
		r.pending = nil
	}
	r.mu.Unlock()

	logging.Info("shot recorded", "device", r.device, "shot", rec.ShotID,
		"download", rec.DownloadDuration, "save", rec.SaveDuration)
	return rec, nil
}
