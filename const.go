package phonefleet

import (
	"github.com/httprunner/PhoneFleet/internal/mailbox"
	"github.com/httprunner/PhoneFleet/internal/storage"
)

// Environment variable names read by Runtime. Callers embedding phonefleet
// should prefer these constants over string literals.
const (
	// EnvDBPath overrides the SQLite file holding markers, results, backlog
	// and device status rows.
	EnvDBPath = storage.EnvDBPath

	EnvLockTimeout  = "PHONEFLEET_LOCK_TIMEOUT"
	EnvDrainTimeout = "PHONEFLEET_DRAIN_TIMEOUT"
	EnvSessionTTL   = "PHONEFLEET_SESSION_TTL"
	EnvSessionSweep = "PHONEFLEET_SESSION_SWEEP_INTERVAL"

	EnvHealthInterval       = "PHONEFLEET_HEALTH_INTERVAL"
	EnvMaxReconnectAttempts = "PHONEFLEET_MAX_RECONNECT_ATTEMPTS"
	EnvReconnectDelay       = "PHONEFLEET_RECONNECT_DELAY"
	// EnvSettleDelay is the default post-launch settle delay; EnvRoleSettleDelays
	// holds per-role overrides as "jd=3.8s,taobao=5.3s".
	EnvSettleDelay      = "PHONEFLEET_SETTLE_DELAY"
	EnvRoleSettleDelays = "PHONEFLEET_ROLE_SETTLE_DELAYS"
	EnvADBBinary        = "PHONEFLEET_ADB_BIN"

	EnvExecutorName     = "PHONEFLEET_EXECUTOR"
	EnvExecutorBaseURL  = "PHONEFLEET_EXECUTOR_BASE_URL"
	EnvExecutorModel    = "PHONEFLEET_EXECUTOR_MODEL"
	EnvExecutorAPIKey   = "PHONEFLEET_EXECUTOR_API_KEY"
	EnvExecutorLang     = "PHONEFLEET_EXECUTOR_LANG"
	EnvExecutorMaxSteps = "PHONEFLEET_EXECUTOR_MAX_STEPS"

	// EnvMailbox selects the takeover marker backend: "sqlite" (default) or "nats".
	EnvMailbox       = "PHONEFLEET_MAILBOX"
	EnvNATSURL       = "NATS_URL"
	EnvNATSBucket    = "PHONEFLEET_NATS_BUCKET"
	EnvTakeoverPoll  = "PHONEFLEET_TAKEOVER_POLL_INTERVAL"
	EnvTakeoverLimit = "PHONEFLEET_TAKEOVER_WAIT_CEILING"

	EnvAPIAddr          = "PHONEFLEET_API_ADDR"
	EnvListenInterval   = "PHONEFLEET_LISTEN_INTERVAL"
	EnvListenBatchLimit = "PHONEFLEET_LISTEN_BATCH_LIMIT"

	EnvFeishuAppID      = "FEISHU_APP_ID"
	EnvFeishuAppSecret  = "FEISHU_APP_SECRET"
	EnvFeishuBaseURL    = "FEISHU_BASE_URL"
	EnvFeishuTakeoverTo = "FEISHU_TAKEOVER_CHAT_ID"
)

// Mailbox backends accepted by EnvMailbox.
const (
	MailboxSQLite = "sqlite"
	MailboxNATS   = "nats"

	DefaultNATSBucket = mailbox.DefaultBucket
	DefaultAPIAddr    = "127.0.0.1:8765"
)
