package logging

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		cfg       Config
		wantLevel logrus.Level
		wantErr   bool
	}{
		{name: "defaults", cfg: Config{}, wantLevel: logrus.InfoLevel},
		{name: "debug json", cfg: Config{Level: "debug", Format: "json"}, wantLevel: logrus.DebugLevel},
		{name: "bad level", cfg: Config{Level: "loud"}, wantErr: true},
		{name: "bad format", cfg: Config{Format: "xml"}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			l, err := New(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantLevel, l.GetLevel())
		})
	}
}

func TestNew_JSONOutput(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l, err := New(Config{Format: "json", Output: &buf})
	require.NoError(t, err)
	l.WithField("collection", "99").Info("fetch: page done")
	assert.Contains(t, buf.String(), `"collection":"99"`)
	assert.Contains(t, buf.String(), `"msg":"fetch: page done"`)
}
