package telegram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type apiCall struct {
	method string
	form   map[string]string
}

type fakeAPI struct {
	mu     sync.Mutex
	calls  []apiCall
	fail   map[string]string
	delay  time.Duration
	polled bool
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	_ = r.ParseForm()
	form := map[string]string{}
	for k := range r.PostForm {
		form[k] = r.PostForm.Get(k)
	}

	f.mu.Lock()
	f.calls = append(f.calls, apiCall{method: method, form: form})
	desc, failing := f.fail[method]
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 && method != "getMe" {
		time.Sleep(delay)
	}

	w.Header().Set("Content-Type", "application/json")
	if failing {
		_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"` + desc + `"}`))
		return
	}
	switch method {
	case "getMe":
		_, _ = w.Write([]byte(`{"ok":true,"result":{"id":42,"is_bot":true,"first_name":"Shop","username":"shop_bot"}}`))
	case "createChatInviteLink":
		_, _ = w.Write([]byte(`{"ok":true,"result":{"invite_link":"https://t.me/+AbCdEf","creator":{"id":42,"is_bot":true,"first_name":"Shop"},"member_limit":1,"is_primary":false,"is_revoked":false}}`))
	case "getUpdates":
		f.mu.Lock()
		first := !f.polled
		f.polled = true
		f.mu.Unlock()
		if first {
			_, _ = w.Write([]byte(`{"ok":true,"result":[{"update_id":10,"message":{"message_id":1,"date":0,"chat":{"id":5,"type":"private"},"text":"/start"}}]}`))
			return
		}
		time.Sleep(10 * time.Millisecond)
		_, _ = w.Write([]byte(`{"ok":true,"result":[]}`))
	case "sendMessage", "sendDocument":
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":555,"type":"private"}}}`))
	default:
		_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
	}
}

func (f *fakeAPI) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if c.method != "getMe" {
			out = append(out, c.method)
		}
	}
	return out
}

func (f *fakeAPI) last() apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func newClient(t *testing.T, api *fakeAPI, operators ...int64) *Client {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	c, err := New("123:token", srv.URL+"/bot%s/%s", 5*time.Second, operators, zaptest.NewLogger(t))
	require.NoError(t, err)
	return c
}

func TestCreateSingleUseInviteLink(t *testing.T) {
	api := &fakeAPI{}
	c := newClient(t, api)
	expireAt := time.Unix(1767225600, 0)

	link, err := c.CreateSingleUseInviteLink(context.Background(), -100123, expireAt)
	require.NoError(t, err)
	assert.Equal(t, "https://t.me/+AbCdEf", link)

	call := api.last()
	assert.Equal(t, "createChatInviteLink", call.method)
	assert.Equal(t, "-100123", call.form["chat_id"])
	assert.Equal(t, "1", call.form["member_limit"])
	assert.Equal(t, "1767225600", call.form["expire_date"])
}

func TestRemoveFromChannelBansThenUnbans(t *testing.T) {
	api := &fakeAPI{}
	c := newClient(t, api)

	require.NoError(t, c.RemoveFromChannel(context.Background(), -100123, 555))
	assert.Equal(t, []string{"banChatMember", "unbanChatMember"}, api.methods())
	assert.Equal(t, "true", api.last().form["only_if_banned"])
	assert.Equal(t, "555", api.last().form["user_id"])
}

func TestRemoveFromChannelStopsOnBanFailure(t *testing.T) {
	api := &fakeAPI{fail: map[string]string{"banChatMember": "Bad Request: not enough rights"}}
	c := newClient(t, api)

	err := c.RemoveFromChannel(context.Background(), -100123, 555)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not enough rights")
	assert.Equal(t, []string{"banChatMember"}, api.methods())
}

func TestSendFileByID(t *testing.T) {
	api := &fakeAPI{}
	c := newClient(t, api)

	require.NoError(t, c.SendFile(context.Background(), 555, "BQACAgIAAxkBAAIB", "here"))
	call := api.last()
	assert.Equal(t, "sendDocument", call.method)
	assert.Equal(t, "BQACAgIAAxkBAAIB", call.form["document"])
	assert.Equal(t, "here", call.form["caption"])
}

func TestNotifyOperatorsEscapesAndReachesEveryone(t *testing.T) {
	api := &fakeAPI{}
	c := newClient(t, api, 1, 2)

	require.NoError(t, c.NotifyOperators(context.Background(), "payload <b>raw</b>"))
	assert.Equal(t, []string{"sendMessage", "sendMessage"}, api.methods())
	assert.Equal(t, "payload &lt;b&gt;raw&lt;/b&gt;", api.last().form["text"])
	assert.True(t, c.IsOperator(2))
	assert.False(t, c.IsOperator(3))
}

func TestCallHonoursContextDeadline(t *testing.T) {
	api := &fakeAPI{delay: 500 * time.Millisecond}
	c := newClient(t, api)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.SendMessage(ctx, 555, "hi")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSetWebhookSendsSecret(t *testing.T) {
	api := &fakeAPI{}
	c := newClient(t, api)

	require.NoError(t, c.SetWebhook(context.Background(), "https://bot.example.com/telegram", "s3cret"))
	call := api.last()
	assert.Equal(t, "setWebhook", call.method)
	assert.Equal(t, "https://bot.example.com/telegram", call.form["url"])
	assert.Equal(t, "s3cret", call.form["secret_token"])

	require.NoError(t, c.DeleteWebhook(context.Background()))
	assert.Equal(t, "deleteWebhook", api.last().method)
}

func TestPollDispatchesUpdates(t *testing.T) {
	api := &fakeAPI{}
	c := newClient(t, api)

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan int, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Poll(ctx, 2, func(_ context.Context, upd tgbotapi.Update) {
			got <- upd.UpdateID
			cancel()
		})
	}()

	select {
	case id := <-got:
		assert.Equal(t, 10, id)
	case <-time.After(5 * time.Second):
		t.Fatal("no update dispatched")
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("poll did not stop")
	}
}
