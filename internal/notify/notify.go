package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/PhoneFleet/internal/agent/tasks"
	"github.com/httprunner/PhoneFleet/internal/env"
)

const defaultBaseURL = "https://open.feishu.cn"

// Notifier tells operators that a task is waiting for them.
type Notifier interface {
	NotifyTakeover(ctx context.Context, batch tasks.Batch, res tasks.Result) error
}

// Nop drops every notification.
type Nop struct{}

func (Nop) NotifyTakeover(context.Context, tasks.Batch, tasks.Result) error { return nil }

type messageAPI interface {
	Create(ctx context.Context, req *larkim.CreateMessageReq, options ...larkcore.RequestOptionFunc) (*larkim.CreateMessageResp, error)
}

// Feishu posts a text message to a group chat for every takeover.
type Feishu struct {
	chatID string
	api    messageAPI
}

// NewFeishuFromEnv builds the notifier from FEISHU_APP_ID, FEISHU_APP_SECRET,
// FEISHU_BASE_URL and FEISHU_TAKEOVER_CHAT_ID. Missing credentials or chat id
// yield a Nop notifier.
func NewFeishuFromEnv() Notifier {
	appID := env.String("FEISHU_APP_ID", "")
	appSecret := env.String("FEISHU_APP_SECRET", "")
	chatID := env.String("FEISHU_TAKEOVER_CHAT_ID", "")
	if appID == "" || appSecret == "" || chatID == "" {
		log.Debug().Msg("feishu takeover notifier disabled")
		return Nop{}
	}
	baseURL := strings.TrimRight(env.String("FEISHU_BASE_URL", defaultBaseURL), "/")

	opts := []lark.ClientOptionFunc{
		lark.WithLogLevel(larkcore.LogLevelError),
	}
	if baseURL != "" && baseURL != lark.FeishuBaseUrl {
		opts = append(opts, lark.WithOpenBaseUrl(baseURL))
	}
	client := lark.NewClient(appID, appSecret, opts...)
	return &Feishu{chatID: chatID, api: client.Im.V1.Message}
}

// NotifyTakeover sends the takeover summary as a text message.
func (f *Feishu) NotifyTakeover(ctx context.Context, batch tasks.Batch, res tasks.Result) error {
	body, err := buildTakeoverBody(f.chatID, TakeoverText(batch, res))
	if err != nil {
		return err
	}
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(larkim.ReceiveIdTypeChatId).
		Body(body).
		Build()
	resp, err := f.api.Create(ctx, req)
	if err != nil {
		return errors.Wrap(err, "feishu: send takeover message failed")
	}
	if !resp.Success() {
		return errors.Errorf("feishu: send takeover message failed: code=%d msg=%s", resp.Code, resp.Msg)
	}
	log.Info().Str("session_id", res.SessionID).Str("serial", res.DeviceID).Msg("takeover notification sent")
	return nil
}

// buildTakeoverBody builds a text message addressed to chatID.
func buildTakeoverBody(chatID, text string) (*larkim.CreateMessageReqBody, error) {
	content, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, errors.Wrap(err, "feishu: marshal message content failed")
	}
	return larkim.NewCreateMessageReqBodyBuilder().
		ReceiveId(chatID).
		MsgType(larkim.MsgTypeText).
		Content(string(content)).
		Build(), nil
}

// TakeoverText renders the operator-facing message.
func TakeoverText(batch tasks.Batch, res tasks.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[takeover] device %s", res.DeviceID)
	if res.Role != "" {
		fmt.Fprintf(&b, " (%s)", res.Role)
	}
	b.WriteString(" needs a human")
	if res.Payload != "" {
		fmt.Fprintf(&b, ": %s", res.Payload)
	}
	if res.SessionID != "" {
		fmt.Fprintf(&b, "\nsession: %s", res.SessionID)
	}
	if batch.TaskID != "" {
		fmt.Fprintf(&b, "\ntask: %s", batch.TaskID)
	}
	if batch.Keyword != "" {
		fmt.Fprintf(&b, "\nkeyword: %s", batch.Keyword)
	}
	return b.String()
}
