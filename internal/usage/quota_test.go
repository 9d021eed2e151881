package usage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateQuota(t *testing.T) {
	tests := []struct {
		name        string
		dailyCap    int64
		monthlyCap  int64
		daily       int64
		monthly     int64
		want        QuotaResult
		wantMessage string
	}{
		{"both unlimited", Unlimited, Unlimited, 1000, 100000, QuotaConsumed, "there are no limitations for this device"},
		{"below both caps", 5, 100, 4, 99, QuotaConsumed, "event limits are verified"},
		{"daily cap hit", 5, 100, 5, 10, QuotaReached, "daily event limit is reached"},
		{"monthly cap hit", 5, 100, 1, 100, QuotaReached, "monthly event limit is reached"},
		{"both hit reports daily", 5, 100, 5, 100, QuotaReached, "daily event limit is reached"},
		{"zero daily cap blocks", 0, 100, 0, 0, QuotaReached, "daily event limit is reached"},
		{"only daily capped", 5, Unlimited, 2, 5000, QuotaConsumed, "daily event limit is verified"},
		{"only monthly capped", Unlimited, 10, 500, 3, QuotaConsumed, "monthly event limit is verified"},
		{"only monthly capped and hit", Unlimited, 10, 0, 10, QuotaReached, "monthly event limit is reached"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			profile := LimitationProfile{DailyEventCap: tt.dailyCap, MonthlyEventCap: tt.monthlyCap}

			got, message := EvaluateQuota(profile, tt.daily, tt.monthly)

			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantMessage, message)
			assert.Equal(t, tt.want == QuotaReached, got.LimitReached())
		})
	}
}
