// Package notify pushes screening alerts through the LINE Messaging
// API.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"twse-screener/config"
	"twse-screener/services/screener"
)

var linePushURL = "https://api.line.me/v2/bot/message/push"

// maxAlertSymbols bounds one alert message; LINE truncates long texts.
const maxAlertSymbols = 10

// LineNotifier sends push messages for newly matched symbols. With no
// credentials configured it stays silently disabled.
type LineNotifier struct {
	token  string
	userID string
	http   *http.Client
}

// NewLineNotifier builds a notifier from config. Check Enabled before
// relying on delivery.
func NewLineNotifier(cfg *config.Config) *LineNotifier {
	return &LineNotifier{
		token:  cfg.LineChannelToken,
		userID: cfg.LineUserID,
		http:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled reports whether credentials are configured.
func (n *LineNotifier) Enabled() bool {
	return n.token != "" && n.userID != ""
}

// NotifyNewMatches pushes one message summarizing the freshly matched
// symbols. A disabled notifier succeeds without sending.
func (n *LineNotifier) NotifyNewMatches(results []screener.Result) error {
	if !n.Enabled() {
		log.Printf("LINE notifier disabled, skipping alert for %d symbols", len(results))
		return nil
	}
	if len(results) == 0 {
		return nil
	}
	return n.push(FormatAlert(results))
}

func (n *LineNotifier) push(text string) error {
	payload := map[string]interface{}{
		"to": n.userID,
		"messages": []map[string]string{
			{"type": "text", "text": text},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode LINE payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, linePushURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build LINE request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+n.token)

	resp, err := n.http.Do(req)
	if err != nil {
		return fmt.Errorf("push LINE message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("LINE push rejected with status %d", resp.StatusCode)
	}
	return nil
}

// FormatAlert renders the alert text: one line per symbol with price,
// trade plan, and a volume-breakout marker.
func FormatAlert(results []screener.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📈 %d new screener match(es)\n", len(results))

	shown := results
	if len(shown) > maxAlertSymbols {
		shown = shown[:maxAlertSymbols]
	}
	for _, r := range shown {
		fmt.Fprintf(&b, "\n%s\n  price %.2f (%+.2f%%)\n  stop %.2f / target %.2f\n  vol %.1fx avg",
			r.Symbol, r.Price, r.ChangePercent, r.StopLoss, r.TakeProfit, r.VolumeRatio)
	}
	if len(results) > maxAlertSymbols {
		fmt.Fprintf(&b, "\n\n...and %d more", len(results)-maxAlertSymbols)
	}
	return b.String()
}
