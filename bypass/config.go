package bypass

import (
	"os"
	"strconv"

	"github.com/grailbio/hdfbypass/errors"
)

// Tunables holds the four environment-variable knobs that shape the worker
// pool and selection engine. There is no dependency-injection layer for
// these: four scalars are parsed directly with os.Getenv/strconv, the way
// the rest of this codebase's leaf packages read their own env vars.
type Tunables struct {
	// NThreads is the worker pool size, clamped to [1, 32].
	NThreads int
	// NSteps is the minimum per-worker batch pull from the queue.
	NSteps int
	// MaxNelmts bounds the number of elements per emitted Task.
	MaxNelmts int64
	// NoThreadPool disables the pool; reads run on the calling goroutine
	// against a private queue.
	NoThreadPool bool
}

const (
	envNThreads     = "BYPASS_VOL_NTHREADS"
	envNSteps       = "BYPASS_VOL_NSTEPS"
	envMaxNelmts    = "BYPASS_VOL_MAX_NELMTS"
	envNoThreadPool = "BYPASS_VOL_NO_TPOOL"

	minNThreads = 1
	maxNThreads = 32
)

// LoadTunables reads Tunables from the environment, applying spec defaults
// and clamps. A malformed integer value is a Config error.
func LoadTunables() (Tunables, error) {
	t := Tunables{NThreads: 1, NSteps: 1, MaxNelmts: 1}

	if v, ok := os.LookupEnv(envNThreads); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Tunables{}, errors.E(errors.Config, "invalid "+envNThreads, err)
		}
		t.NThreads = n
	}
	if t.NThreads < minNThreads {
		t.NThreads = minNThreads
	}
	if t.NThreads > maxNThreads {
		t.NThreads = maxNThreads
	}

	if v, ok := os.LookupEnv(envNSteps); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Tunables{}, errors.E(errors.Config, "invalid "+envNSteps, err)
		}
		t.NSteps = n
	}
	if t.NSteps < 1 {
		t.NSteps = 1
	}

	if v, ok := os.LookupEnv(envMaxNelmts); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Tunables{}, errors.E(errors.Config, "invalid "+envMaxNelmts, err)
		}
		t.MaxNelmts = n
	}
	if t.MaxNelmts < 1 {
		t.MaxNelmts = 1
	}

	t.NoThreadPool = os.Getenv(envNoThreadPool) == "true"
	return t, nil
}
