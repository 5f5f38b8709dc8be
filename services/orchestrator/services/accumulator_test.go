package services

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestAccumulator prefers the secure accumulator and falls back to the
// insecure one on hosts (CI, containers) without enough mlock.
func newTestAccumulator(t *testing.T) TokenAccumulator {
	t.Helper()
	acc, err := NewTokenAccumulator()
	if err == nil {
		return acc
	}
	t.Logf("Falling back to insecure accumulator: %v", err)
	return newInsecureAccumulator()
}

func TestTokenAccumulator_RoundTrip(t *testing.T) {
	acc := newTestAccumulator(t)
	defer acc.Destroy()

	for _, token := range []string{"Hello", " ", "world", "", "!"} {
		require.NoError(t, acc.Write(token))
	}

	answer, hash, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "Hello world!", answer)

	sum := sha256.Sum256([]byte("Hello world!"))
	assert.Equal(t, hex.EncodeToString(sum[:]), hash,
		"incremental hash must match hashing the final string")
}

func TestTokenAccumulator_PreservesUnicode(t *testing.T) {
	acc := newTestAccumulator(t)
	defer acc.Destroy()

	require.NoError(t, acc.Write("héllo "))
	require.NoError(t, acc.Write("wörld"))

	answer, _, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "héllo wörld", answer)
}

func TestTokenAccumulator_OneShotLifecycle(t *testing.T) {
	acc := newTestAccumulator(t)
	require.NoError(t, acc.Write("Hello"))

	_, _, err := acc.Finalize()
	require.NoError(t, err)

	assert.Error(t, acc.Write("more"), "write after Finalize must fail")
	_, _, err = acc.Finalize()
	assert.Error(t, err, "second Finalize must fail")

	// Destroy stays idempotent on a finalized accumulator.
	acc.Destroy()
	acc.Destroy()
}

func TestTokenAccumulator_DestroyDiscards(t *testing.T) {
	acc := newTestAccumulator(t)
	require.NoError(t, acc.Write("partial reply"))

	acc.Destroy()

	assert.Error(t, acc.Write("x"))
	_, _, err := acc.Finalize()
	assert.Error(t, err)
}

func TestTokenAccumulator_Overflow(t *testing.T) {
	acc := newTestAccumulator(t)
	defer acc.Destroy()

	oversized := strings.Repeat("A", SecureBufferSize+1)
	err := acc.Write(oversized)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overflow")

	_, _, err = acc.Finalize()
	assert.Error(t, err, "Finalize after overflow must fail")
}

func TestTokenAccumulator_ConcurrentWrites(t *testing.T) {
	acc := newTestAccumulator(t)
	defer acc.Destroy()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(writer int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = acc.Write(fmt.Sprintf("[%d:%d]", writer, j))
			}
		}(i)
	}
	wg.Wait()

	answer, hash, err := acc.Finalize()
	require.NoError(t, err)
	assert.NotEmpty(t, answer)
	assert.Len(t, hash, 64)
}

func TestTokenAccumulator_ConcurrentWriteAndDestroy(t *testing.T) {
	for i := 0; i < 50; i++ {
		acc := newTestAccumulator(t)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = acc.Write("token")
			}
		}()
		go func() {
			defer wg.Done()
			time.Sleep(10 * time.Microsecond)
			acc.Destroy()
		}()
		wg.Wait()
	}
}

func TestTokenAccumulator_UniqueIDs(t *testing.T) {
	acc1 := newTestAccumulator(t)
	defer acc1.Destroy()
	acc2 := newTestAccumulator(t)
	defer acc2.Destroy()

	assert.NotEqual(t, acc1.ID(), acc2.ID())
	_, err := uuid.Parse(acc1.ID())
	assert.NoError(t, err, "accumulator IDs are UUIDs")
}

func TestInsecureAccumulator_RoundTrip(t *testing.T) {
	acc := newInsecureAccumulator()
	defer acc.Destroy()

	require.NoError(t, acc.Write("Hello"))
	require.NoError(t, acc.Write(" World"))

	answer, hash, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "Hello World", answer)

	sum := sha256.Sum256([]byte("Hello World"))
	assert.Equal(t, hex.EncodeToString(sum[:]), hash)
}

func TestIsMlockAvailable_Consistent(t *testing.T) {
	available1, limit1 := IsMlockAvailable()
	available2, limit2 := IsMlockAvailable()

	assert.Equal(t, available1, available2)
	assert.Equal(t, limit1, limit2)
}
