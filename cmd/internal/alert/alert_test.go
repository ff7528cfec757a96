package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed int
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed++
	return nil
}

var sample = Event{
	Type:      TypeRefreshReplay,
	Severity:  SeverityHigh,
	UserID:    "u1",
	SessionID: "ses_1",
	Message:   "refresh token replayed",
	Attrs:     map[string]string{"family_id": "fam_1"},
	Time:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
}

func TestLogSink_LevelsBySeverity(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	s := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	s.Emit(context.Background(), sample)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "security.alert", line["msg"])
	require.Equal(t, "ERROR", line["level"])
	require.Equal(t, "fam_1", line["family_id"])
	require.Equal(t, "u1", line["user_id"])
}

func TestMulti_FansOut(t *testing.T) {
	t.Parallel()
	a, b := &Memory{}, &Memory{}
	Multi{a, nil, b, Nop{}}.Emit(context.Background(), sample)
	require.Len(t, a.Events(), 1)
	require.Len(t, b.Events(), 1)
}

func TestKafkaSink_EncodesAndKeysByUser(t *testing.T) {
	t.Parallel()
	w := &fakeWriter{}
	s := newKafkaSink(w, time.Second, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	s.Emit(context.Background(), sample)
	require.Len(t, w.msgs, 1)
	require.Equal(t, []byte("u1"), w.msgs[0].Key)

	var got Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	require.Equal(t, sample.Type, got.Type)
	require.Equal(t, sample.Attrs, got.Attrs)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.Equal(t, 1, w.closed)

	s.Emit(context.Background(), sample)
	require.Len(t, w.msgs, 1)
}

func TestKafkaSink_WriteFailureIsSwallowed(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := &fakeWriter{err: errors.New("broker down")}
	s := newKafkaSink(w, time.Second, slog.New(slog.NewTextHandler(&buf, nil)))

	require.NotPanics(t, func() { s.Emit(context.Background(), sample) })
	require.Contains(t, buf.String(), "alert.kafka.write_failed")
}

func TestKafkaConfig_Validate(t *testing.T) {
	t.Parallel()
	require.ErrorIs(t, KafkaConfig{}.Validate(), ErrKafkaConfig)
	require.ErrorIs(t, KafkaConfig{Brokers: []string{" "}, Topic: "x"}.Validate(), ErrKafkaConfig)
	require.NoError(t, KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "security-alerts"}.Validate())
}
