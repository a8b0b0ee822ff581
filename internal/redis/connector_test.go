package redis

import (
	"context"
	"testing"
	"time"

	"github.com/MrSnakeDoc/ally-relay/internal/config"
	"github.com/MrSnakeDoc/ally-relay/internal/logger"
)

func validOptions() ConnectOptions {
	return ConnectOptions{
		Addr:           "127.0.0.1:1",
		ConnectTimeout: 200 * time.Millisecond,
		RetryInterval:  20 * time.Millisecond,
		MaxWait:        50 * time.Millisecond,
		PingTimeout:    50 * time.Millisecond,
		WarnThreshold:  1,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(o *ConnectOptions)
		wantErr bool
	}{
		{name: "valid", mutate: func(*ConnectOptions) {}},
		{name: "empty addr", mutate: func(o *ConnectOptions) { o.Addr = "" }, wantErr: true},
		{name: "zero connect timeout", mutate: func(o *ConnectOptions) { o.ConnectTimeout = 0 }, wantErr: true},
		{name: "zero retry interval", mutate: func(o *ConnectOptions) { o.RetryInterval = 0 }, wantErr: true},
		{name: "zero max wait", mutate: func(o *ConnectOptions) { o.MaxWait = 0 }, wantErr: true},
		{name: "zero ping timeout", mutate: func(o *ConnectOptions) { o.PingTimeout = 0 }, wantErr: true},
		{name: "negative warn threshold", mutate: func(o *ConnectOptions) { o.WarnThreshold = -1 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := validOptions()
			tt.mutate(&o)
			if err := o.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNextWait(t *testing.T) {
	limit := 10 * time.Second
	tests := []struct {
		in, want time.Duration
	}{
		{time.Second, 2 * time.Second},
		{4 * time.Second, 8 * time.Second},
		{8 * time.Second, limit},
		{limit, limit},
	}
	for _, tt := range tests {
		if got := nextWait(tt.in, limit); got != tt.want {
			t.Errorf("nextWait(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewGivesUpAfterTimeout(t *testing.T) {
	start := time.Now()
	client, err := New(context.Background(), validOptions(), logger.NewNop())
	if err == nil {
		_ = client.Close()
		t.Fatal("New() against a closed port should fail")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("New() took %v, expected to stop near ConnectTimeout", elapsed)
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := &config.Config{RedisAddr: "redis:6379", RedisDB: 3, RedisPoolSize: 7}
	o := OptionsFromConfig(cfg)
	if o.Addr != "redis:6379" || o.RedisDB != 3 || o.PoolSize != 7 {
		t.Errorf("OptionsFromConfig() = %+v", o)
	}
}
