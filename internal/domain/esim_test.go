package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAutopayState_Eligible(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	cooldown := 30 * time.Minute
	recent := now.Add(-10 * time.Minute)
	old := now.Add(-31 * time.Minute)
	boundary := now.Add(-cooldown)

	tests := []struct {
		name  string
		state AutopayState
		want  bool
	}{
		{"never attempted", AutopayState{}, true},
		{"attempt inside cooldown", AutopayState{LastAttemptAt: &recent}, false},
		{"attempt past cooldown", AutopayState{LastAttemptAt: &old}, true},
		{"exactly at cooldown", AutopayState{LastAttemptAt: &boundary}, true},
		{"locked", AutopayState{InProgress: true, LastAttemptAt: &old}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.Eligible(now, cooldown))
		})
	}
}

func TestAutopayPaymentStatus(t *testing.T) {
	assert.Equal(t, "payment_3d", AutopayPaymentStatus("3D"))
	assert.Equal(t, "payment_failed", AutopayPaymentStatus(""))
}
