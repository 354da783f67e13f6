package service

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/architeacher/svc-messaging/internal/domain"
	"github.com/architeacher/svc-messaging/pkg/queue"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Produce(ctx context.Context, topic string, data []byte, opts ...queue.ProduceOption) (string, error) {
	args := m.Called(ctx, topic, data, queue.ApplyProduceOptions(opts...))

	return args.String(0), args.Error(1)
}

type mockOutboxRepository struct {
	mock.Mock
}

func (m *mockOutboxRepository) Park(ctx context.Context, entry *domain.OutboxEntry) error {
	return m.Called(ctx, entry).Error(0)
}

func (m *mockOutboxRepository) Claim(ctx context.Context, limit int) ([]*domain.OutboxEntry, error) {
	args := m.Called(ctx, limit)

	entries, _ := args.Get(0).([]*domain.OutboxEntry)

	return entries, args.Error(1)
}

func (m *mockOutboxRepository) Len(ctx context.Context) (int64, error) {
	args := m.Called(ctx)

	return args.Get(0).(int64), args.Error(1)
}

type mockOutboxRecorder struct {
	mock.Mock
}

func (m *mockOutboxRecorder) RecordOutboxEntry(ctx context.Context, outcome string) {
	m.Called(ctx, outcome)
}
