package sweep

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/klimakammer/klimakammer/controller/schedule"
)

// FailureBucket holds dispatches whose bus write failed.
const FailureBucket = "sweep_failures"

// ErrNoFailure is returned for an unknown failure id.
var ErrNoFailure = errors.New("no such failure")

// Failure is a due command that was removed from the schedule after a failed write.
type Failure struct {
	ID       string           `json:"id"`
	Sweep    string           `json:"sweep"`
	Category string           `json:"category"`
	Command  schedule.Command `json:"command"`
	Error    string           `json:"error"`
	Time     int64            `json:"ts"`
}

// storeIface is the minimal subset of the controller store we need.
type storeIface interface {
	CreateBucket(bucket string) error
	List(bucket string, fn func(string, []byte) error) error
	Create(bucket string, fn func(string) interface{}) error
	Delete(bucket, id string) error
}

// Failures is a persistent journal of failed dispatches. Entries stay until an
// operator removes or requeues them.
type Failures struct {
	store storeIface
	mu    sync.Mutex
	now   func() time.Time
}

// NewFailures creates the journal bucket if needed.
func NewFailures(store storeIface) (*Failures, error) {
	if err := store.CreateBucket(FailureBucket); err != nil {
		return nil, err
	}
	return &Failures{store: store, now: time.Now}, nil
}

// Add journals fl under a new id, stamped with the current time.
func (f *Failures) Add(fl Failure) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl.Time = f.now().Unix()
	fn := func(id string) interface{} {
		fl.ID = id
		return &fl
	}
	return f.store.Create(FailureBucket, fn)
}

// List returns all failures, oldest first.
func (f *Failures) List() ([]Failure, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.list()
}

func (f *Failures) list() ([]Failure, error) {
	failures := []Failure{}
	if err := f.store.List(FailureBucket, func(_ string, v []byte) error {
		var fl Failure
		if err := json.Unmarshal(v, &fl); err == nil {
			failures = append(failures, fl)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	sort.SliceStable(failures, func(i, j int) bool {
		return failures[i].Time < failures[j].Time
	})
	return failures, nil
}

func (f *Failures) get(id string) (Failure, error) {
	all, err := f.list()
	if err != nil {
		return Failure{}, err
	}
	for _, fl := range all {
		if fl.ID == id {
			return fl, nil
		}
	}
	return Failure{}, ErrNoFailure
}

// Remove drops a failure from the journal.
func (f *Failures) Remove(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.get(id); err != nil {
		return err
	}
	return f.store.Delete(FailureBucket, id)
}

// Requeue appends the failed command back to its category with its original window
// and drops it from the journal.
func (f *Failures) Requeue(id string, s *schedule.Store) (Failure, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl, err := f.get(id)
	if err != nil {
		return Failure{}, err
	}
	if err := s.Append(fl.Category, fl.Command); err != nil {
		return Failure{}, err
	}
	return fl, f.store.Delete(FailureBucket, id)
}
