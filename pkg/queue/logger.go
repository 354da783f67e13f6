package queue

import "github.com/architeacher/svc-messaging/pkg/logger"

// Logger is the logging contract drivers and subscriptions write to.
type Logger = logger.Logger
