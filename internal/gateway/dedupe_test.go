// ABOUTME: Tests for the message dedupe cache

package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDedupeCache_CheckAndMark(t *testing.T) {
	c := newDedupeCache(time.Minute, 10)
	defer c.close()

	assert.False(t, c.checkAndMark("key-1"), "first sighting is not a duplicate")
	assert.True(t, c.checkAndMark("key-1"), "second sighting is")
	assert.False(t, c.checkAndMark("key-2"), "different keys are independent")
}

func TestDedupeCache_TTLExpiry(t *testing.T) {
	c := newDedupeCache(20*time.Millisecond, 10)
	defer c.close()

	assert.False(t, c.checkAndMark("key-1"))
	time.Sleep(40 * time.Millisecond)
	assert.False(t, c.checkAndMark("key-1"), "expired keys are fresh again")
}

func TestDedupeCache_SizeCapEvictsOldest(t *testing.T) {
	c := newDedupeCache(time.Minute, 2)
	defer c.close()

	assert.False(t, c.checkAndMark("key-1"))
	time.Sleep(time.Millisecond)
	assert.False(t, c.checkAndMark("key-2"))
	time.Sleep(time.Millisecond)
	assert.False(t, c.checkAndMark("key-3"))

	assert.False(t, c.checkAndMark("key-1"), "oldest key was evicted")
	assert.True(t, c.checkAndMark("key-3"), "newest keys survive")
}
