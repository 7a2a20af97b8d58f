package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

var (
	pingOK   = pingFunc(func(context.Context) error { return nil })
	pingFail = pingFunc(func(context.Context) error { return errors.New("connection refused") })
)

func TestCheckHealth(t *testing.T) {
	tests := []struct {
		name     string
		db       pingFunc
		cache    pingFunc
		want     HealthStatus
		wantCode int
	}{
		{"all up", pingOK, pingOK, HealthStatusHealthy, 200},
		{"optional down", pingOK, pingFail, HealthStatusDegraded, 200},
		{"critical down", pingFail, pingOK, HealthStatusUnhealthy, 503},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewHealthService(nil, "1.2.3")
			s.Register("database", tt.db, true)
			s.Register("redis", tt.cache, false)

			report := s.CheckHealth(context.Background())
			assert.Equal(t, tt.want, report.Status)
			assert.Equal(t, "1.2.3", report.Version)
			assert.Len(t, report.Components, 2)

			_, code := s.SimpleHealthCheck(context.Background())
			assert.Equal(t, tt.wantCode, code)
		})
	}
}

func TestCheckHealthReportsDroppedOutboxChanges(t *testing.T) {
	o := NewOutbox(nil, nil, time.Second)
	o.dropped.Add(3)
	s := NewHealthService(o, "")

	report := s.CheckHealth(context.Background())

	assert.Equal(t, HealthStatusDegraded, report.Status)
	assert.Equal(t, HealthStatusDegraded, report.Components["outbox"].Status)
	assert.Contains(t, report.Components["outbox"].Message, "3")
}

func TestRegisterIgnoresNilPinger(t *testing.T) {
	s := NewHealthService(nil, "")
	s.Register("nothing", nil, true)
	assert.Equal(t, HealthStatusHealthy, s.CheckHealth(context.Background()).Status)
}
