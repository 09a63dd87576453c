package contact

import (
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const queuePrefix = "q:"

// Submission is a queued form payload waiting for replay.
type Submission struct {
	ID        string      `json:"id"`
	Payload   []byte      `json:"payload"`
	Header    http.Header `json:"header"`
	CreatedAt time.Time   `json:"createdAt"`
	Attempts  int         `json:"attempts"`
	LastError string      `json:"lastError,omitempty"`

	key string
}

// Outbox persists undelivered submissions in goleveldb, ordered by creation
// time.
type Outbox struct {
	db *leveldb.DB
}

func OpenOutbox(path string) (*Outbox, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open outbox %s: %w", path, err)
	}
	return NewOutbox(db), nil
}

func NewOutbox(db *leveldb.DB) *Outbox {
	return &Outbox{db: db}
}

func (o *Outbox) Close() error { return o.db.Close() }

func (o *Outbox) Add(payload []byte, header http.Header) (Submission, error) {
	now := time.Now().UTC()
	sub := Submission{
		ID:        uuid.NewString(),
		Payload:   payload,
		Header:    header,
		CreatedAt: now,
	}
	sub.key = fmt.Sprintf("%s%020d:%s", queuePrefix, now.UnixNano(), sub.ID)
	if err := o.put(sub); err != nil {
		return Submission{}, err
	}
	return sub, nil
}

// List returns queued submissions oldest first.
func (o *Outbox) List() ([]Submission, error) {
	it := o.db.NewIterator(util.BytesPrefix([]byte(queuePrefix)), nil)
	defer it.Release()

	var out []Submission
	for it.Next() {
		var sub Submission
		if err := json.Unmarshal(it.Value(), &sub); err != nil {
			continue
		}
		sub.key = string(it.Key())
		out = append(out, sub)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	return out, nil
}

func (o *Outbox) Len() (int, error) {
	subs, err := o.List()
	return len(subs), err
}

func (o *Outbox) Remove(sub Submission) error {
	if err := o.db.Delete([]byte(sub.key), nil); err != nil {
		return fmt.Errorf("remove %s: %w", sub.ID, err)
	}
	return nil
}

// Update rewrites a submission in place, e.g. after a failed attempt.
func (o *Outbox) Update(sub Submission) error {
	return o.put(sub)
}

func (o *Outbox) put(sub Submission) error {
	b, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("encode %s: %w", sub.ID, err)
	}
	if err := o.db.Put([]byte(sub.key), b, nil); err != nil {
		return fmt.Errorf("store %s: %w", sub.ID, err)
	}
	return nil
}
