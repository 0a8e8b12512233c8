package telegram

import (
	"context"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

// typingRefresh is how often the chat action is re-sent; Telegram's
// indicator fades after about five seconds.
var typingRefresh = 5 * time.Second

// typingController keeps the "typing…" indicator alive in the primary
// chat until stopped.
type typingController struct {
	api    botAPI
	chatID int64

	mu     sync.Mutex
	cancel context.CancelFunc
}

func newTypingController(api botAPI, chatID int64) *typingController {
	return &typingController{api: api, chatID: chatID}
}

// Start begins the refresh loop; a second Start restarts it.
func (t *typingController) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	go func() {
		ticker := time.NewTicker(typingRefresh)
		defer ticker.Stop()
		t.send(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.send(ctx)
			}
		}
	}()
}

// Stop ends the refresh loop. Safe to call when not running.
func (t *typingController) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

func (t *typingController) send(ctx context.Context) {
	_ = t.api.SendChatAction(ctx, tu.ChatAction(tu.ID(t.chatID), telego.ChatActionTyping))
}
