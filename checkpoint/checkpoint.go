// Package checkpoint persists sampler stages in a bolt database so
// interrupted runs can resume from the last completed stage.
package checkpoint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/op/go-logging"

	bolt "go.etcd.io/bbolt"
)

// log is the global logging variable.
var log = logging.MustGetLogger("checkpoint")

// metaKey marks a completely written stage; it is only present when
// every chain record of the stage was stored in the same transaction.
var metaKey = []byte("meta")

// StageMeta stores the stage-level sampler state.
type StageMeta struct {
	// Beta is the tempering exponent the stage was sampled at.
	Beta float64 `json:"beta"`
	// NChains is the number of chain records in the stage.
	NChains int `json:"nChains"`
	// NDim is the parameter dimensionality.
	NDim int `json:"nDim"`
	// Scales are the per-chain proposal scales after tuning.
	Scales []float64 `json:"scales,omitempty"`
	// Cov is the row-major proposal covariance of the stage.
	Cov []float64 `json:"cov,omitempty"`
	// Final marks the terminal stage (beta = 1 population).
	Final bool `json:"final"`
}

// ChainState is one persisted particle or chain end point.
type ChainState struct {
	X      []float64 `json:"x"`
	LogLik float64   `json:"logLik"`
	Weight float64   `json:"weight"`
}

// chainStateJSON mirrors ChainState with a raw log-likelihood record.
// encoding/json rejects non-finite numbers, but a chain that never
// left a zero-likelihood region legitimately carries -Inf.
type chainStateJSON struct {
	X      []float64       `json:"x"`
	LogLik json.RawMessage `json:"logLik"`
	Weight float64         `json:"weight"`
}

func (c *ChainState) MarshalJSON() ([]byte, error) {
	j := chainStateJSON{X: c.X, Weight: c.Weight}
	switch {
	case math.IsInf(c.LogLik, -1):
		j.LogLik = json.RawMessage(`"-Inf"`)
	case math.IsInf(c.LogLik, 1):
		j.LogLik = json.RawMessage(`"+Inf"`)
	case math.IsNaN(c.LogLik):
		j.LogLik = json.RawMessage(`"NaN"`)
	default:
		b, err := json.Marshal(c.LogLik)
		if err != nil {
			return nil, err
		}
		j.LogLik = b
	}
	return json.Marshal(&j)
}

func (c *ChainState) UnmarshalJSON(b []byte) error {
	var j chainStateJSON
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	c.X = j.X
	c.Weight = j.Weight
	switch string(j.LogLik) {
	case `"-Inf"`:
		c.LogLik = math.Inf(-1)
	case `"+Inf"`:
		c.LogLik = math.Inf(1)
	case `"NaN"`:
		c.LogLik = math.NaN()
	default:
		return json.Unmarshal(j.LogLik, &c.LogLik)
	}
	return nil
}

// CorruptError reports an incomplete or inconsistent stage record.
// Resuming from a corrupt stage is fatal; the run must not silently
// continue from partial state.
type CorruptError struct {
	Kind   string
	Stage  int
	Reason string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("checkpoint %s stage %d corrupt: %s", e.Kind, e.Stage, e.Reason)
}

// Retention is the stage retention policy, passed explicitly to the
// sampler instead of an ambient removal flag.
type Retention int

const (
	// RetainAll keeps every stage checkpoint.
	RetainAll Retention = iota
	// RetainLast drops a stage once the following stage is
	// durably written.
	RetainLast
)

// RetentionFromFlag maps the rm_flag configuration value.
func RetentionFromFlag(rm bool) Retention {
	if rm {
		return RetainLast
	}
	return RetainAll
}

// IO provides stage persistence on one bolt database.
type IO struct {
	db *bolt.DB
}

// Open opens (or creates) the checkpoint database.
func Open(path string) (*IO, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	return &IO{db: db}, nil
}

// Close closes the database.
func (s *IO) Close() error {
	return s.db.Close()
}

func stageBucket(kind string, num int) []byte {
	return []byte(fmt.Sprintf("%s_stage_%04d", kind, num))
}

func chainKey(i int) []byte {
	return []byte(fmt.Sprintf("chain_%06d", i))
}

// SaveStage writes a complete stage in a single transaction: the
// chain records first, the meta record last. An existing stage with
// the same number is replaced.
func (s *IO) SaveStage(kind string, num int, meta *StageMeta, chains []ChainState) error {
	meta.NChains = len(chains)
	name := stageBucket(kind, num)
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(name) != nil {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}
		b, err := tx.CreateBucket(name)
		if err != nil {
			return err
		}
		for i := range chains {
			cb, err := json.Marshal(&chains[i])
			if err != nil {
				return err
			}
			if err := b.Put(chainKey(i), cb); err != nil {
				return err
			}
		}
		mb, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return b.Put(metaKey, mb)
	})
	if err != nil {
		log.Errorf("error saving %s stage %d: %v", kind, num, err)
		return err
	}
	log.Debugf("saved %s stage %d: %d chains, beta=%v", kind, num, len(chains), meta.Beta)
	return nil
}

// LoadStage reads a stage. A missing stage returns (nil, nil, nil);
// a stage that exists but is incomplete returns a *CorruptError.
func (s *IO) LoadStage(kind string, num int) (*StageMeta, []ChainState, error) {
	var meta *StageMeta
	var chains []ChainState
	name := stageBucket(kind, num)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(name)
		if b == nil {
			return nil
		}
		mb := b.Get(metaKey)
		if mb == nil {
			return &CorruptError{Kind: kind, Stage: num, Reason: "missing meta record"}
		}
		meta = &StageMeta{}
		if err := json.Unmarshal(mb, meta); err != nil {
			return &CorruptError{Kind: kind, Stage: num, Reason: err.Error()}
		}
		chains = make([]ChainState, 0, meta.NChains)
		for i := 0; i < meta.NChains; i++ {
			cb := b.Get(chainKey(i))
			if cb == nil {
				return &CorruptError{Kind: kind, Stage: num,
					Reason: fmt.Sprintf("missing chain record %d of %d", i, meta.NChains)}
			}
			var c ChainState
			if err := json.Unmarshal(cb, &c); err != nil {
				return &CorruptError{Kind: kind, Stage: num, Reason: err.Error()}
			}
			if len(c.X) != meta.NDim {
				return &CorruptError{Kind: kind, Stage: num,
					Reason: fmt.Sprintf("chain %d has %d parameters, want %d", i, len(c.X), meta.NDim)}
			}
			chains = append(chains, c)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return meta, chains, nil
}

// HighestStage returns the highest stage number present for a kind,
// -1 when none exist. A stage bucket without a meta record is
// corrupt.
func (s *IO) HighestStage(kind string) (int, error) {
	highest := -1
	prefix := []byte(kind + "_stage_")
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			if !bytes.HasPrefix(name, prefix) {
				return nil
			}
			var num int
			if _, err := fmt.Sscanf(string(name[len(prefix):]), "%d", &num); err != nil {
				return nil
			}
			if b.Get(metaKey) == nil {
				return &CorruptError{Kind: kind, Stage: num, Reason: "missing meta record"}
			}
			if num > highest {
				highest = num
			}
			return nil
		})
	})
	if err != nil {
		return -1, err
	}
	return highest, nil
}

// DropStage removes a stage checkpoint.
func (s *IO) DropStage(kind string, num int) error {
	name := stageBucket(kind, num)
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(name) == nil {
			return nil
		}
		return tx.DeleteBucket(name)
	})
}
