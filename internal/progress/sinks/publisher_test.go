package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/baseddata-vacuum/internal/progress"
	"github.com/JakeFAU/baseddata-vacuum/internal/publisher/memory"
)

func runBatch() []progress.Event {
	id := uuid.New()
	now := time.Now()
	return []progress.Event{
		{RunID: id, TS: now, Stage: progress.StageRunStart, Mode: "sbir-only"},
		{RunID: id, TS: now, Stage: progress.StagePageDone, Source: "sbir", Partition: "agency=NASA year=2024"},
		{RunID: id, TS: now, Stage: progress.StageRunDone, Mode: "sbir-only", Status: "completed_with_errors", Errors: 1},
	}
}

func TestPublisherSinkSkipsPagesByDefault(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink, err := NewPublisherSink(pub, PublisherConfig{Topic: "vacuum-runs"}, nil)
	require.NoError(t, err)

	require.NoError(t, sink.Consume(context.Background(), runBatch()))
	msgs := pub.Messages("vacuum-runs")
	require.Len(t, msgs, 2)
	require.Equal(t, progress.StageRunDone, msgs[1].Payload.(progress.Event).Stage)
}

func TestPublisherSinkIncludesPagesAndJoinsErrors(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink, err := NewPublisherSink(pub, PublisherConfig{Topic: "vacuum-runs", IncludePages: true}, nil)
	require.NoError(t, err)
	require.NoError(t, sink.Consume(context.Background(), runBatch()))
	require.Len(t, pub.Messages(), 3)

	pub.FailWith(errors.New("unavailable"))
	err = sink.Consume(context.Background(), runBatch())
	require.ErrorContains(t, err, "publish RUN_START")
	require.ErrorContains(t, err, "publish RUN_DONE")

	_, err = NewPublisherSink(pub, PublisherConfig{}, nil)
	require.Error(t, err)
}

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), runBatch()))

	entries := logs.All()
	require.Len(t, entries, 3)
	require.Equal(t, zap.DebugLevel, entries[1].Level)
	require.Equal(t, "agency=NASA year=2024", entries[1].ContextMap()["partition"])
	require.Equal(t, "completed_with_errors", entries[2].ContextMap()["status"])
}
