package process

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimeRange_IsEmpty(t *testing.T) {
	assert.True(t, TimeRange{}.IsEmpty())
	assert.False(t, TimeRange{Start: time.Unix(1, 0)}.IsEmpty())
	assert.False(t, TimeRange{End: time.Unix(1, 0)}.IsEmpty())
}
