package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// AssertDuration asserts that actualDuration equals expectedMillis milliseconds.
func AssertDuration(t *testing.T, expectedMillis int64, actualDuration time.Duration) {
	assert.Equal(t, time.Duration(expectedMillis)*time.Millisecond, actualDuration)
}
