package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/truststudy/carehome/internal/domain/emergency"
)

func TestClampTrust(t *testing.T) {
	assert.Equal(t, 0, ClampTrust(-7))
	assert.Equal(t, 100, ClampTrust(101))
	assert.Equal(t, 42, ClampTrust(42))
}

func TestApplyResponse(t *testing.T) {
	b, tr := ApplyResponse(StartingBudget, StartingTrust, emergency.SendRobot)
	assert.Equal(t, 48, b)
	assert.Equal(t, 72, tr)

	b, tr = ApplyResponse(b, tr, emergency.SendHuman)
	assert.Equal(t, 43, b)
	assert.Equal(t, 74, tr)
}

func TestApplyResponseBounds(t *testing.T) {
	b, tr := ApplyResponse(1, 1, emergency.SendRobot)
	assert.Equal(t, -1, b, "budget may go negative")
	assert.Equal(t, 0, tr)

	_, tr = ApplyResponse(0, 99, emergency.SendHuman)
	assert.Equal(t, 100, tr)
}
