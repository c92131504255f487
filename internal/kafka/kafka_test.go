package kafka

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/runledger/internal/domain"
)

type recordingHandler struct {
	got []domain.Activity
}

func (h *recordingHandler) Publish(ctx context.Context, a domain.Activity) error {
	h.got = append(h.got, a)
	return nil
}

func testActivity() domain.Activity {
	return domain.Activity{
		Type:      domain.ActivityWorldRecord,
		UserID:    1,
		MapID:     7,
		RunID:     12,
		Rank:      1,
		Time:      15,
		CreatedAt: time.Date(2024, 7, 10, 12, 0, 0, 0, time.UTC),
	}
}

func sameActivity(a, b domain.Activity) bool {
	at, bt := a.CreatedAt, b.CreatedAt
	a.CreatedAt, b.CreatedAt = time.Time{}, time.Time{}
	return a == b && at.Equal(bt)
}

func TestProducerPublish(t *testing.T) {
	mock := mocks.NewSyncProducer(t, nil)
	mock.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var a domain.Activity
		if err := json.Unmarshal(val, &a); err != nil {
			return err
		}
		if !sameActivity(a, testActivity()) {
			t.Errorf("sent %+v, want %+v", a, testActivity())
		}
		return nil
	})

	p := newProducer("run-activities", mock, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := p.Publish(context.Background(), testActivity()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestProducerPublishFailure(t *testing.T) {
	mock := mocks.NewSyncProducer(t, nil)
	mock.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := newProducer("run-activities", mock, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := p.Publish(context.Background(), testActivity()); err == nil {
		t.Fatal("Publish() succeeded, want error")
	}
	p.Close()
}

func TestHandleMessage(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	valid, _ := json.Marshal(testActivity())
	noRun, _ := json.Marshal(domain.Activity{MapID: 7})

	h := &recordingHandler{}
	for _, value := range [][]byte{valid, []byte("{broken"), noRun} {
		handleMessage(context.Background(), h, logger, &sarama.ConsumerMessage{Value: value})
	}

	if len(h.got) != 1 || !sameActivity(h.got[0], testActivity()) {
		t.Fatalf("delivered %+v, want only the valid activity", h.got)
	}
}
