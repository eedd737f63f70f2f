// Package notify provides notification services for ledger events.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/tos-network/tos-ledger/internal/config"
	"github.com/tos-network/tos-ledger/internal/storage"
	"github.com/tos-network/tos-ledger/internal/util"
)

// Retry configuration
const (
	MaxRetries     = 3
	RetryBaseDelay = 2 * time.Second
)

const telegramAPI = "https://api.telegram.org"

// Notifier handles sending notifications for one pool
type Notifier struct {
	cfg         config.NotifyConfig
	pool        string
	coin        string
	client      *http.Client
	telegramAPI string
	wg          sync.WaitGroup
}

// NewNotifier creates a new notifier for the named pool
func NewNotifier(cfg config.NotifyConfig, pool, coin string) *Notifier {
	return &Notifier{
		cfg:  cfg,
		pool: pool,
		coin: coin,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		telegramAPI: telegramAPI,
	}
}

func (n *Notifier) enabled() bool {
	return n != nil && n.cfg.Enabled
}

// dispatch sends to every configured channel in the background
func (n *Notifier) dispatch(embed DiscordEmbed, text string) {
	if n.cfg.DiscordURL != "" {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.sendDiscordMessageWithRetry(DiscordMessage{Embeds: []DiscordEmbed{embed}})
		}()
	}

	if n.cfg.TelegramBot != "" && n.cfg.TelegramChat != "" {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.sendTelegramMessageWithRetry(text)
		}()
	}
}

// Wait blocks until every notification in flight has been delivered or given up
func (n *Notifier) Wait() {
	if n == nil {
		return
	}
	n.wg.Wait()
}

// NotifyBlockMatured sends notifications when a round matured with a reward
func (n *Notifier) NotifyBlockMatured(block *storage.MaturedBlock, p util.Precision) {
	if !n.enabled() {
		return
	}
	c := block.Candidate
	reward := fmt.Sprintf("%s %s", p.Format(block.Reward), n.coin)

	embed := n.embed("Block Matured", fmt.Sprintf("**%s** block reward unlocked", n.pool), 0x00FF00)
	embed.Fields = []DiscordField{
		{Name: "Height", Value: fmt.Sprintf("%d", c.Height), Inline: true},
		{Name: "Reward", Value: reward, Inline: true},
		{Name: "Type", Value: c.Type, Inline: true},
		{Name: "Finder", Value: truncateAddress(c.Finder), Inline: true},
		{Name: "Hash", Value: truncateHash(c.BlockHash), Inline: false},
	}

	text := fmt.Sprintf(
		"*Block Matured*\n\n"+
			"Pool: `%s`\n"+
			"Height: `%d`\n"+
			"Reward: `%s`\n"+
			"Finder: `%s`\n"+
			"Hash: `%s`",
		n.pool, c.Height, reward,
		truncateAddress(c.Finder), truncateHash(c.BlockHash),
	)

	n.dispatch(embed, text)
}

// NotifyBlockOrphaned sends notifications when a round resolved without reward
func (n *Notifier) NotifyBlockOrphaned(block *storage.MaturedBlock) {
	if !n.enabled() {
		return
	}
	c := block.Candidate
	title := "Block Orphaned"
	if block.Outcome == storage.OutcomeKicked {
		title = "Block Kicked"
	}

	embed := n.embed(title, fmt.Sprintf("**%s** block resolved as %s", n.pool, block.Outcome), 0xFF0000)
	embed.Fields = []DiscordField{
		{Name: "Height", Value: fmt.Sprintf("%d", c.Height), Inline: true},
		{Name: "Finder", Value: truncateAddress(c.Finder), Inline: true},
		{Name: "Hash", Value: truncateHash(c.BlockHash), Inline: false},
	}

	text := fmt.Sprintf(
		"*%s*\n\n"+
			"Pool: `%s`\n"+
			"Height: `%d`\n"+
			"Finder: `%s`\n"+
			"Hash: `%s`",
		title, n.pool, c.Height,
		truncateAddress(c.Finder), truncateHash(c.BlockHash),
	)

	n.dispatch(embed, text)
}

// NotifyPaymentSent sends notifications when payments are processed
func (n *Notifier) NotifyPaymentSent(total int64, minerCount int, txID string, p util.Precision) {
	if !n.enabled() {
		return
	}
	paid := fmt.Sprintf("%s %s", p.Format(total), n.coin)

	embed := n.embed("Payments Sent", fmt.Sprintf("**%s** has processed payouts", n.pool), 0x0099FF)
	embed.Fields = []DiscordField{
		{Name: "Total Paid", Value: paid, Inline: true},
		{Name: "Miners", Value: util.FormatCount(int64(minerCount)), Inline: true},
		{Name: "Transaction", Value: truncateHash(txID), Inline: false},
	}

	text := fmt.Sprintf(
		"*Payments Sent*\n\n"+
			"Pool: `%s`\n"+
			"Total Paid: `%s`\n"+
			"Miners: `%d`\n"+
			"Transaction: `%s`",
		n.pool, paid, minerCount, truncateHash(txID),
	)

	n.dispatch(embed, text)
}

// NotifyPayoutHalted sends notifications when a sent payment could not be recorded
func (n *Notifier) NotifyPayoutHalted(txID, dumpFile string) {
	if !n.enabled() {
		return
	}

	embed := n.embed("Payouts Halted", fmt.Sprintf("**%s** stopped paying out, operator action required", n.pool), 0xFFA500)
	embed.Fields = []DiscordField{
		{Name: "Transaction", Value: txID, Inline: false},
		{Name: "Recovery File", Value: dumpFile, Inline: false},
	}

	text := fmt.Sprintf(
		"*Payouts Halted*\n\n"+
			"Pool: `%s`\n"+
			"Transaction: `%s`\n"+
			"Recovery file: `%s`",
		n.pool, txID, dumpFile,
	)

	n.dispatch(embed, text)
}

// DiscordEmbed represents a Discord embed object
type DiscordEmbed struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	URL         string         `json:"url,omitempty"`
	Color       int            `json:"color,omitempty"`
	Fields      []DiscordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
	Footer      *DiscordFooter `json:"footer,omitempty"`
}

// DiscordField represents a field in a Discord embed
type DiscordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// DiscordFooter represents the footer of a Discord embed
type DiscordFooter struct {
	Text string `json:"text"`
}

// DiscordMessage represents a Discord webhook message
type DiscordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

func (n *Notifier) embed(title, description string, color int) DiscordEmbed {
	return DiscordEmbed{
		Title:       title,
		Description: description,
		URL:         n.cfg.PoolURL,
		Color:       color,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Footer: &DiscordFooter{
			Text: n.pool,
		},
	}
}

// sendDiscordMessageWithRetry sends a message to Discord with exponential backoff retry
func (n *Notifier) sendDiscordMessageWithRetry(msg DiscordMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		util.Warnf("Failed to marshal Discord message: %v", err)
		return
	}

	if err := n.postWithRetry(n.cfg.DiscordURL, body); err != nil {
		util.Warnf("Failed to send Discord notification after %d retries: %v", MaxRetries, err)
	}
}

// TelegramMessage represents a Telegram bot message
type TelegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// sendTelegramMessageWithRetry sends a message via Telegram with exponential backoff retry
func (n *Notifier) sendTelegramMessageWithRetry(text string) {
	url := fmt.Sprintf("%s/bot%s/sendMessage", n.telegramAPI, n.cfg.TelegramBot)

	body, err := json.Marshal(TelegramMessage{
		ChatID:    n.cfg.TelegramChat,
		Text:      text,
		ParseMode: "Markdown",
	})
	if err != nil {
		util.Warnf("Failed to marshal Telegram message: %v", err)
		return
	}

	if err := n.postWithRetry(url, body); err != nil {
		util.Warnf("Failed to send Telegram notification after %d retries: %v", MaxRetries, err)
	}
}

func (n *Notifier) postWithRetry(url string, body []byte) error {
	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff: 2s, 4s
			time.Sleep(RetryBaseDelay * time.Duration(1<<uint(attempt-1)))
		}

		resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode < 400 {
			return nil
		}

		// Rate limited - wait longer
		if resp.StatusCode == http.StatusTooManyRequests {
			time.Sleep(5 * time.Second)
		}
		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}
	return lastErr
}

// truncateAddress returns a shortened address for display
func truncateAddress(addr string) string {
	if len(addr) <= 16 {
		return addr
	}
	return addr[:8] + "..." + addr[len(addr)-6:]
}

// truncateHash returns a shortened hash for display
func truncateHash(hash string) string {
	if len(hash) <= 20 {
		return hash
	}
	return hash[:10] + "..." + hash[len(hash)-8:]
}
