package channel

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/havenbridge/wellnest/internal/bus"
	"github.com/havenbridge/wellnest/internal/config"
)

const twilioChannelName = "twilio"

const twilioAPIBase = "https://api.twilio.com"

const (
	twilioSendRetries   = 3
	twilioRetryDelay    = 500 * time.Millisecond
	twilioHTTPTimeout   = 15 * time.Second
	shutdownGracePeriod = 5 * time.Second
)

// TwilioAPIError is a non-2xx response from the Twilio REST API.
type TwilioAPIError struct {
	Status  int    `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *TwilioAPIError) Error() string {
	return fmt.Sprintf("twilio api error %d (code %d): %s", e.Status, e.Code, e.Message)
}

// retryable reports whether the failure is worth another attempt.
func (e *TwilioAPIError) retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

type twiMLResponse struct {
	XMLName xml.Name `xml:"Response"`
	Message string   `xml:"Message,omitempty"`
}

// TwilioChannel serves the SMS webhook. Replies that arrive within the
// configured wait go back synchronously as TwiML; anything later is
// delivered through the REST API instead.
type TwilioChannel struct {
	BaseChannel
	cfg        config.TwilioConfig
	addr       string
	apiBase    string
	replyWait  time.Duration
	httpClient *http.Client
	server     *http.Server

	mu      sync.Mutex
	waiters map[string]chan string
}

func NewTwilioChannel(cfg config.TwilioConfig, gwCfg config.GatewayConfig, b *bus.MessageBus) (*TwilioChannel, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.PhoneNumber == "" {
		return nil, fmt.Errorf("twilio account sid, auth token and phone number are required")
	}

	apiBase := cfg.BaseURL
	if apiBase == "" {
		apiBase = twilioAPIBase
	}

	replyWait := time.Duration(cfg.ReplyWaitSeconds) * time.Second
	if replyWait <= 0 {
		replyWait = time.Duration(config.DefaultReplyWaitSeconds) * time.Second
	}

	return &TwilioChannel{
		BaseChannel: NewBaseChannel(twilioChannelName, b, cfg.AllowFrom),
		cfg:         cfg,
		addr:        fmt.Sprintf("%s:%d", gwCfg.Host, gwCfg.Port),
		apiBase:     strings.TrimRight(apiBase, "/"),
		replyWait:   replyWait,
		httpClient:  &http.Client{Timeout: twilioHTTPTimeout},
		waiters:     make(map[string]chan string),
	}, nil
}

func (t *TwilioChannel) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", t.handleWebhook)
	mux.HandleFunc("/health", t.handleHealth)

	t.server = &http.Server{Addr: t.addr, Handler: mux}

	go func() {
		log.Printf("[twilio] webhook listening on %s", t.addr)
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[twilio] server error: %v", err)
		}
	}()

	return nil
}

func (t *TwilioChannel) Stop() error {
	if t.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	if err := t.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown twilio server: %w", err)
	}
	log.Printf("[twilio] stopped")
	return nil
}

func (t *TwilioChannel) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}

func (t *TwilioChannel) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		fmt.Fprint(w, "Wellness bot is running.")
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	from := r.PostFormValue("From")
	body := r.PostFormValue("Body")
	if from == "" {
		http.Error(w, "missing From", http.StatusBadRequest)
		return
	}

	if !t.IsAllowed(from) {
		log.Printf("[twilio] rejected message from %s", from)
		t.writeTwiML(w, "")
		return
	}

	id := bus.NewMessageID()
	replyCh := t.addWaiter(id)
	defer t.removeWaiter(id)

	t.bus.Inbound <- bus.InboundMessage{
		Channel:   twilioChannelName,
		SenderID:  from,
		ChatID:    from,
		Content:   body,
		Timestamp: time.Now(),
		Metadata:  map[string]any{"msg_id": id},
	}

	select {
	case reply := <-replyCh:
		t.writeTwiML(w, reply)
	case <-time.After(t.replyWait):
		// Claim the waiter before giving up. A reply resolved between the
		// timer firing and this line is parked in the buffered channel;
		// render it rather than dropping it.
		t.removeWaiter(id)
		select {
		case reply := <-replyCh:
			t.writeTwiML(w, reply)
		default:
			log.Printf("[twilio] reply for %s not ready in %s, falling back to REST", from, t.replyWait)
			t.writeTwiML(w, "")
		}
	case <-r.Context().Done():
		t.writeTwiML(w, "")
	}
}

func (t *TwilioChannel) writeTwiML(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/xml")
	fmt.Fprint(w, xml.Header)
	if err := xml.NewEncoder(w).Encode(twiMLResponse{Message: message}); err != nil {
		log.Printf("[twilio] write twiml: %v", err)
	}
}

func (t *TwilioChannel) addWaiter(id string) chan string {
	ch := make(chan string, 1)
	t.mu.Lock()
	t.waiters[id] = ch
	t.mu.Unlock()
	return ch
}

func (t *TwilioChannel) removeWaiter(id string) {
	t.mu.Lock()
	delete(t.waiters, id)
	t.mu.Unlock()
}

// resolveWaiter hands the reply to a webhook request still waiting on it.
// The buffered write happens under the lock so that once the waiter is gone
// from the map, the reply is already readable by whoever drains the channel.
func (t *TwilioChannel) resolveWaiter(id, content string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.waiters[id]
	if !ok {
		return false
	}
	delete(t.waiters, id)
	ch <- content
	return true
}

// Send delivers an outbound message: first to the webhook request waiting
// on it, otherwise through the REST API.
func (t *TwilioChannel) Send(msg bus.OutboundMessage) error {
	if msg.ReplyTo != "" && t.resolveWaiter(msg.ReplyTo, msg.Content) {
		return nil
	}
	return t.restSend(msg.ChatID, msg.Content)
}

func (t *TwilioChannel) restSend(to, body string) error {
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", t.cfg.PhoneNumber)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", t.apiBase, t.cfg.AccountSID)

	var lastErr error
	for attempt := 0; attempt < twilioSendRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(twilioRetryDelay * time.Duration(attempt))
		}

		req, err := http.NewRequest(http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return fmt.Errorf("build twilio request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth(t.cfg.AccountSID, t.cfg.AuthToken)

		resp, err := t.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("post twilio message: %w", err)
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return nil
		}

		apiErr := decodeTwilioError(resp)
		resp.Body.Close()
		lastErr = apiErr
		if !apiErr.retryable() {
			return apiErr
		}
	}
	return fmt.Errorf("send twilio message after %d attempts: %w", twilioSendRetries, lastErr)
}

func decodeTwilioError(resp *http.Response) *TwilioAPIError {
	apiErr := &TwilioAPIError{Status: resp.StatusCode}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err == nil && len(data) > 0 {
		if jsonErr := json.Unmarshal(data, apiErr); jsonErr != nil {
			apiErr.Message = strings.TrimSpace(string(data))
		}
	}
	if apiErr.Status == 0 {
		apiErr.Status = resp.StatusCode
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

type twilioUsageRecord struct {
	Category  string `json:"category"`
	Count     string `json:"count"`
	Usage     string `json:"usage"`
	Price     string `json:"price"`
	PriceUnit string `json:"price_unit"`
}

type twilioUsagePage struct {
	UsageRecords []twilioUsageRecord `json:"usage_records"`
}

// UsageToday answers the admin usage commands with today's SMS totals.
func (t *TwilioChannel) UsageToday() (string, error) {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Usage/Records/Today.json?Category=sms", t.apiBase, t.cfg.AccountSID)

	req, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build usage request: %w", err)
	}
	req.SetBasicAuth(t.cfg.AccountSID, t.cfg.AuthToken)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch twilio usage: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", decodeTwilioError(resp)
	}

	var page twilioUsagePage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return "", fmt.Errorf("parse twilio usage: %w", err)
	}

	for _, rec := range page.UsageRecords {
		if rec.Category == "sms" {
			return fmt.Sprintf("SMS usage today: %s messages, cost %s %s.", rec.Count, rec.Price, rec.PriceUnit), nil
		}
	}
	return "SMS usage today: no records.", nil
}
