// Package realtime delivers device session change events to watchers of a
// single pairing code and turns them into authentication notifications.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/kioskshop/pairing-server-go/internal/model"
)

const Table = "device_sessions"

type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// Change is one row-level event on the device_sessions table.
type Change struct {
	Type       ChangeType          `json:"type"`
	Table      string              `json:"table"`
	Record     model.DeviceSession `json:"record"`
	CommitTime time.Time           `json:"commitTimestamp"`
}

func NewChange(t ChangeType, record model.DeviceSession) Change {
	return Change{
		Type:       t,
		Table:      Table,
		Record:     record,
		CommitTime: time.Now(),
	}
}

func encodeChange(c Change) ([]byte, error) {
	return json.Marshal(c)
}

func decodeChange(data []byte) (Change, error) {
	var c Change
	err := json.Unmarshal(data, &c)
	return c, err
}

// ErrFeedClosed is returned by Subscribe and Publish after Close.
var ErrFeedClosed = errors.New("realtime feed closed")

// Stream carries changes for one pairing code. Changes is closed when the
// underlying channel drops or Close is called.
type Stream interface {
	Changes() <-chan Change
	Close() error
}

type Publisher interface {
	Publish(ctx context.Context, change Change) error
}

// Feed is a change-notification channel scoped per pairing code. Subscribe
// returns only once the subscription is established on the backend.
type Feed interface {
	Publisher
	Subscribe(ctx context.Context, code string) (Stream, error)
	Close() error
}

// SubjectName is the per-code subject used by the NATS backend.
func SubjectName(code string) string {
	return Table + "." + code
}
