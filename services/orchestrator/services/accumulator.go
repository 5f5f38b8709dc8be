package services

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const (
	// SecureBufferSize caps one streamed reply. 512 KB is roughly 131k
	// tokens at 4 bytes per token.
	SecureBufferSize = 512 * 1024

	// MinMlockLimitKB is the smallest RLIMIT_MEMLOCK, in kilobytes, under
	// which the secure accumulator can allocate its buffer.
	MinMlockLimitKB = 512
)

var (
	memguardInitOnce    sync.Once
	mlockSufficient     bool
	currentMlockLimitKB int64
)

// TokenAccumulator collects streamed reply tokens until the stream either
// completes or fails.
//
// The secure implementation keeps tokens in mlocked memory so a partially
// streamed reply never swaps to disk, and hashes tokens incrementally as
// they arrive. Implementations are safe for concurrent use. None can be
// reused after Finalize or Destroy.
type TokenAccumulator interface {
	// Write appends one token. Fails once the buffer would overflow or
	// after Finalize or Destroy.
	Write(token string) error

	// Finalize returns the full reply and its SHA-256 hex digest, then
	// wipes the buffer. One-shot.
	Finalize() (answer, hash string, err error)

	// Destroy wipes the buffer without returning data. Idempotent; the
	// error-path counterpart to Finalize.
	Destroy()

	// ID identifies the accumulator in logs.
	ID() string
}

// NewTokenAccumulator allocates an accumulator for one streamed reply.
//
// It prefers mlocked memory. When RLIMIT_MEMLOCK cannot hold the buffer
// the call fails, unless SUBCHAT_INSECURE_MEMORY=true selects the
// plain-memory fallback instead.
func NewTokenAccumulator() (TokenAccumulator, error) {
	initMemguard()
	if !mlockSufficient {
		return handleInsufficientMlock()
	}
	return newSecureAccumulator()
}

// secureAccumulator stores tokens in a memguard LockedBuffer: mlocked
// against swap, guard-paged, wiped on destroy.
type secureAccumulator struct {
	id        string
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

func newSecureAccumulator() (TokenAccumulator, error) {
	buf := memguard.NewBuffer(SecureBufferSize)
	if buf == nil {
		return nil, fmt.Errorf("failed to allocate secure buffer of %d bytes", SecureBufferSize)
	}
	buf.Melt()

	return &secureAccumulator{
		id:     uuid.New().String(),
		buffer: buf,
		hasher: sha256.New(),
	}, nil
}

func (a *secureAccumulator) Write(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("secure buffer overflow: reply too large")
	}

	b := []byte(token)
	if a.offset+len(b) > SecureBufferSize {
		a.overflow = true
		return fmt.Errorf("secure buffer overflow: need %d bytes, have %d remaining",
			len(b), SecureBufferSize-a.offset)
	}

	copy(a.buffer.Bytes()[a.offset:], b)
	a.offset += len(b)
	a.hasher.Write(b)
	return nil
}

func (a *secureAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}

	answer := string(a.buffer.Bytes()[:a.offset])
	sum := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()

	slog.Debug("Finalized secure accumulator",
		"accumulator_id", a.id,
		"answer_length", len(answer),
	)
	return answer, sum, nil
}

func (a *secureAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.wipe()
	slog.Debug("Destroyed secure accumulator", "accumulator_id", a.id)
}

func (a *secureAccumulator) ID() string { return a.id }

func (a *secureAccumulator) wipe() {
	if a.buffer != nil {
		a.buffer.Destroy()
	}
	a.destroyed = true
}

// insecureAccumulator is the plain-memory fallback for hosts whose mlock
// limit cannot hold the secure buffer. Selected only when
// SUBCHAT_INSECURE_MEMORY=true; reply data may swap to disk and wiping is
// best effort under the garbage collector.
type insecureAccumulator struct {
	id        string
	mu        sync.Mutex
	data      []byte
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

func newInsecureAccumulator() TokenAccumulator {
	id := uuid.New().String()
	slog.Warn("Created insecure token accumulator, reply data may swap to disk",
		"accumulator_id", id,
	)
	return &insecureAccumulator{
		id:     id,
		data:   make([]byte, 0, SecureBufferSize),
		hasher: sha256.New(),
	}
}

func (a *insecureAccumulator) Write(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("buffer overflow: reply too large")
	}

	b := []byte(token)
	if len(a.data)+len(b) > SecureBufferSize {
		a.overflow = true
		return fmt.Errorf("buffer overflow: need %d bytes, have %d remaining",
			len(b), SecureBufferSize-len(a.data))
	}

	a.data = append(a.data, b...)
	a.hasher.Write(b)
	return nil
}

func (a *insecureAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}

	answer := string(a.data)
	sum := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()
	return answer, sum, nil
}

func (a *insecureAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.wipe()
}

func (a *insecureAccumulator) ID() string { return a.id }

func (a *insecureAccumulator) wipe() {
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
	a.destroyed = true
}

// initMemguard performs one-time memguard setup and records whether the
// host's mlock limit can hold a secure buffer.
func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()
		if mlockSufficient {
			slog.Info("Secure memory initialized",
				"mlock_limit_kb", currentMlockLimitKB,
				"required_kb", MinMlockLimitKB,
			)
		} else {
			slog.Warn("Mlock limit insufficient for secure memory",
				"current_limit_kb", currentMlockLimitKB,
				"required_kb", MinMlockLimitKB,
			)
		}
	})
}

// checkMlockLimit returns whether RLIMIT_MEMLOCK covers MinMlockLimitKB
// and the current limit in KB, -1 when unlimited. An unreadable limit is
// treated as sufficient; allocation will fail loudly if it is not.
func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= MinMlockLimitKB, limitKB
}

func handleInsufficientMlock() (TokenAccumulator, error) {
	if os.Getenv("SUBCHAT_INSECURE_MEMORY") == "true" {
		return newInsecureAccumulator(), nil
	}
	return nil, fmt.Errorf(
		"mlock limit insufficient: have %d KB, need %d KB; raise RLIMIT_MEMLOCK or set SUBCHAT_INSECURE_MEMORY=true",
		currentMlockLimitKB, MinMlockLimitKB,
	)
}

// IsMlockAvailable reports whether the secure accumulator can allocate on
// this host, and the current mlock limit in KB (-1 when unlimited).
func IsMlockAvailable() (bool, int64) {
	initMemguard()
	return mlockSufficient, currentMlockLimitKB
}

// PurgeAllSecureMemory wipes every live memguard buffer. Called on
// graceful shutdown.
func PurgeAllSecureMemory() {
	memguard.Purge()
	slog.Info("Purged all secure memory")
}
