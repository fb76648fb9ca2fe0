// Package commands parses and executes the text commands shared by the
// Telegram bot and the CLI.
package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rewired-gh/papertrade/internal/ledger"
	"github.com/rewired-gh/papertrade/internal/logger"
	"github.com/rewired-gh/papertrade/internal/models"
	"github.com/rewired-gh/papertrade/internal/monitor"
	"github.com/rewired-gh/papertrade/internal/pricetable"
	"github.com/rewired-gh/papertrade/internal/watchlist"
	"github.com/shopspring/decimal"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrUsage          = errors.New("usage")

	// ErrServerRunning rejects one-shot mutations while a server holds the state.
	ErrServerRunning = errors.New("server running")
)

const (
	defaultTradeLimit = 10
	maxPriceResults   = 10
)

// TradeHistory lists journaled trades, newest first.
type TradeHistory interface {
	RecentTrades(ctx context.Context, limit int) ([]models.TradeReceipt, error)
}

// PriceTable is the read side of the price table.
type PriceTable interface {
	Snapshot() *pricetable.Snapshot
}

type Deps struct {
	Ledger       *ledger.Ledger
	Monitor      *monitor.Monitor
	Watchlist    *watchlist.Watchlist
	Prices       PriceTable
	Trades       TradeHistory
	TradeTimeout time.Duration
}

type command struct {
	usage string
	help  string
	run   func(d *Dispatcher, ctx context.Context, args []string) (string, error)
}

var registry map[string]command

func init() {
	registry = map[string]command{
		"help":      {"help", "show this message", (*Dispatcher).help},
		"ping":      {"ping", "check the bot is alive", (*Dispatcher).ping},
		"price":     {"price [query]", "search coins by name or symbol", (*Dispatcher).price},
		"buy":       {"buy <spot|leveraged> <coin-id> <qty> [leverage]", "buy at the current price", (*Dispatcher).buy},
		"sell":      {"sell <spot|leveraged> <coin-id> <qty>", "sell at the current price", (*Dispatcher).sell},
		"portfolio": {"portfolio", "cash, holdings and valuation", (*Dispatcher).portfolio},
		"trades":    {"trades [n]", "recent trades", (*Dispatcher).trades},
		"alert":     {"alert <coin-id> <above|below> <price>", "create a price alert (inclusive: fires at the target too)", (*Dispatcher).alert},
		"alerts":    {"alerts", "list price alerts", (*Dispatcher).alerts},
		"unalert":   {"unalert <alert-id>", "delete a price alert", (*Dispatcher).unalert},
		"check":     {"check", "evaluate alerts now", (*Dispatcher).check},
		"watch":     {"watch <coin-id>", "add a coin to the watchlist", (*Dispatcher).watch},
		"unwatch":   {"unwatch <coin-id>", "remove a coin from the watchlist", (*Dispatcher).unwatch},
		"watchlist": {"watchlist", "show watched coins", (*Dispatcher).watchlist},
	}
}

var order = []string{
	"help", "ping", "price", "buy", "sell", "portfolio", "trades",
	"alert", "alerts", "unalert", "check", "watch", "unwatch", "watchlist",
}

type Dispatcher struct {
	deps Deps
}

func New(deps Deps) *Dispatcher {
	return &Dispatcher{deps: deps}
}

// Handle parses a chat line such as "/buy spot bitcoin 0.5" and returns the
// reply text. Errors are rendered as readable replies.
func (d *Dispatcher) Handle(ctx context.Context, text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return Reply(ErrUsage, "help")
	}
	name := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	out, err := d.Dispatch(ctx, name, fields[1:])
	if err != nil {
		return Reply(err, name)
	}
	return out
}

// Dispatch runs a named command.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args []string) (string, error) {
	cmd, ok := registry[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	logger.Debug("Dispatching %s %v", name, args)
	return cmd.run(d, ctx, args)
}

// Usage returns the argument synopsis of a command.
func Usage(name string) string {
	return registry[name].usage
}

// Reply turns a command error into a message for the user.
func Reply(err error, name string) string {
	var fetchErr *models.FetchError
	var persistErr *models.PersistenceError
	switch {
	case errors.Is(err, ErrUnknownCommand):
		return fmt.Sprintf("Unknown command %q. Send /help for the list.", name)
	case errors.Is(err, ErrUsage):
		if u := Usage(name); u != "" {
			return "Usage: /" + u
		}
		return "Send /help for the list of commands."
	case errors.Is(err, models.ErrInsufficientFunds):
		return "Insufficient funds: " + detail(err)
	case errors.Is(err, models.ErrInsufficientHoldings):
		return "Insufficient holdings: " + detail(err)
	case errors.Is(err, models.ErrNoPosition):
		return "No position: " + detail(err)
	case errors.Is(err, models.ErrInstrumentUnknown):
		return "Unknown coin. Use /price <query> to find its id."
	case errors.Is(err, models.ErrInvalidThreshold):
		return "Target price must be positive."
	case errors.Is(err, models.ErrInvalidDirection):
		return "Direction must be above or below."
	case errors.Is(err, models.ErrInvalidQuantity):
		return "Quantity must be positive."
	case errors.Is(err, models.ErrInvalidLeverage):
		return "Leverage must be at least 1."
	case errors.Is(err, models.ErrNotFound):
		return "Not found: " + detail(err)
	case errors.Is(err, models.ErrNotLoaded):
		return "Saved state could not be read yet, so changes are disabled. Try again shortly."
	case errors.Is(err, ErrServerRunning):
		return "A papertrade server owns this database. Send the command through the bot instead."
	case errors.Is(err, models.ErrInvalidTrade):
		return "Invalid trade: " + detail(err)
	case errors.As(err, &fetchErr):
		return "Market data is unavailable right now, try again shortly."
	case errors.As(err, &persistErr):
		return "Saving failed, the change is kept in memory."
	case errors.Is(err, context.DeadlineExceeded):
		return "The request timed out."
	}
	logger.Error("Command %s failed: %v", name, err)
	return "Something went wrong: " + err.Error()
}

// detail strips the sentinel prefix from a wrapped error message.
func detail(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, ": "); i >= 0 {
		return msg[i+2:]
	}
	return msg
}

func usage(format string, a ...any) error {
	if format == "" {
		return ErrUsage
	}
	return fmt.Errorf("%w: "+format, append([]any{ErrUsage}, a...)...)
}

func (d *Dispatcher) help(_ context.Context, _ []string) (string, error) {
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, name := range order {
		c := registry[name]
		fmt.Fprintf(&b, "/%s - %s\n", c.usage, c.help)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (d *Dispatcher) ping(_ context.Context, _ []string) (string, error) {
	return "pong", nil
}

func (d *Dispatcher) price(_ context.Context, args []string) (string, error) {
	snap := d.deps.Prices.Snapshot()
	if snap.Len() == 0 {
		return "", &models.FetchError{Err: errors.New("price table is empty")}
	}
	matches := snap.Lookup(strings.Join(args, " "))
	if len(matches) == 0 {
		return fmt.Sprintf("No coins match %q.", strings.Join(args, " ")), nil
	}
	var b strings.Builder
	for i, inst := range matches {
		if i == maxPriceResults {
			fmt.Fprintf(&b, "... and %d more", len(matches)-maxPriceResults)
			break
		}
		fmt.Fprintf(&b, "%s [%s]: %s\n", inst.DisplayName(), inst.ID, models.FormatUSD(inst.CurrentPrice))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (d *Dispatcher) trade(ctx context.Context, action models.Action, args []string) (string, error) {
	maxArgs := 3
	if action == models.ActionBuy {
		maxArgs = 4
	}
	if len(args) < 3 || len(args) > maxArgs {
		return "", usage("")
	}
	book, err := models.ParseBook(args[0])
	if err != nil {
		return "", err
	}
	qty, err := decimal.NewFromString(args[2])
	if err != nil {
		return "", fmt.Errorf("%w: %q is not a number", models.ErrInvalidQuantity, args[2])
	}
	req := ledger.TradeRequest{Book: book, InstrumentID: args[1], Quantity: qty, Action: action}
	if book == models.BookLeveraged && action == models.ActionBuy {
		req.Leverage = 1
		if len(args) == 4 {
			if req.Leverage, err = strconv.Atoi(strings.TrimSuffix(strings.ToLower(args[3]), "x")); err != nil {
				return "", fmt.Errorf("%w: %q", models.ErrInvalidLeverage, args[3])
			}
		}
	}

	if d.deps.TradeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.deps.TradeTimeout)
		defer cancel()
	}
	r, err := d.deps.Ledger.ExecuteTrade(ctx, req)
	if err != nil {
		return "", err
	}

	verb := "Bought"
	if action == models.ActionSell {
		verb = "Sold"
	}
	out := fmt.Sprintf("%s %s %s at %s (%s", verb, r.Quantity, r.InstrumentID, models.FormatUSD(r.Price), r.Book)
	if r.Leverage > 0 {
		out += fmt.Sprintf(", %dx", r.Leverage)
	}
	out += fmt.Sprintf(").\nTotal: %s\nCash: %s", models.FormatUSD(r.Cost()), models.FormatUSD(r.ResultingCashBalance))
	if !r.Persisted {
		out += "\nWarning: the trade could not be saved and may be lost on restart."
	}
	return out, nil
}

func (d *Dispatcher) buy(ctx context.Context, args []string) (string, error) {
	return d.trade(ctx, models.ActionBuy, args)
}

func (d *Dispatcher) sell(ctx context.Context, args []string) (string, error) {
	return d.trade(ctx, models.ActionSell, args)
}

func (d *Dispatcher) portfolio(_ context.Context, _ []string) (string, error) {
	l := d.deps.Ledger
	cash := l.Cash()
	spotValue := l.Valuate(models.BookSpot)
	levValue := l.Valuate(models.BookLeveraged)

	var b strings.Builder
	fmt.Fprintf(&b, "Cash: %s\n", models.FormatUSD(cash))
	for _, book := range []models.Book{models.BookSpot, models.BookLeveraged} {
		holdings := l.Holdings(book)
		value := spotValue
		if book == models.BookLeveraged {
			value = levValue
		}
		fmt.Fprintf(&b, "\n%s (%s):\n", strings.ToUpper(string(book[:1]))+string(book[1:]), models.FormatUSD(value))
		if len(holdings) == 0 {
			b.WriteString("  (empty)\n")
			continue
		}
		for _, h := range holdings {
			writeHolding(&b, h)
		}
	}
	fmt.Fprintf(&b, "\nTotal: %s", models.FormatUSD(cash.Add(spotValue).Add(levValue)))
	return b.String(), nil
}

func writeHolding(b *strings.Builder, h models.Holding) {
	fmt.Fprintf(b, "  %s x %s", h.InstrumentID, h.Quantity)
	if h.Leverage > 0 {
		fmt.Fprintf(b, " @ %dx", h.Leverage)
	}
	fmt.Fprintf(b, ", entry %s", models.FormatUSD(h.AverageEntry))
	if !h.Priced {
		b.WriteString(", no current price\n")
		return
	}
	fmt.Fprintf(b, ", now %s, value %s, PnL %s\n",
		models.FormatUSD(h.CurrentPrice), models.FormatUSD(h.MarketValue), models.FormatUSD(h.UnrealizedPnL))
}

func (d *Dispatcher) trades(ctx context.Context, args []string) (string, error) {
	limit := defaultTradeLimit
	if len(args) > 1 {
		return "", usage("")
	}
	if len(args) == 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return "", usage("%q is not a positive count", args[0])
		}
		limit = n
	}
	receipts, err := d.deps.Trades.RecentTrades(ctx, limit)
	if err != nil {
		return "", err
	}
	if len(receipts) == 0 {
		return "No trades yet.", nil
	}
	var b strings.Builder
	for _, r := range receipts {
		fmt.Fprintf(&b, "%s %s %s %s %s @ %s\n",
			r.ExecutedAt.UTC().Format(time.DateTime), r.Book, r.Action, r.Quantity, r.InstrumentID, models.FormatUSD(r.Price))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (d *Dispatcher) alert(ctx context.Context, args []string) (string, error) {
	if len(args) != 3 {
		return "", usage("")
	}
	dir, err := models.ParseDirection(args[1])
	if err != nil {
		return "", err
	}
	target, err := decimal.NewFromString(strings.TrimPrefix(strings.ReplaceAll(args[2], ",", ""), "$"))
	if err != nil {
		return "", fmt.Errorf("%w: %q is not a price", models.ErrInvalidThreshold, args[2])
	}
	rule, err := d.deps.Monitor.CreateRule(ctx, args[0], target, dir)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Alert %s set: %s %s %s", rule.ID, rule.Label(), rule.Direction, models.FormatUSD(rule.TargetPrice)), nil
}

func (d *Dispatcher) alerts(_ context.Context, _ []string) (string, error) {
	rules := d.deps.Monitor.Rules()
	if len(rules) == 0 {
		return "No alerts.", nil
	}
	var b strings.Builder
	for _, r := range rules {
		status := "armed"
		if r.Triggered {
			status = "fired " + r.TriggeredAt.UTC().Format(time.DateTime)
		}
		fmt.Fprintf(&b, "%s: %s %s %s [%s]\n", r.ID, r.Label(), r.Direction, models.FormatUSD(r.TargetPrice), status)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (d *Dispatcher) unalert(ctx context.Context, args []string) (string, error) {
	if len(args) != 1 {
		return "", usage("")
	}
	if err := d.deps.Monitor.DeleteRule(ctx, args[0]); err != nil {
		return "", err
	}
	return "Alert removed.", nil
}

func (d *Dispatcher) check(ctx context.Context, _ []string) (string, error) {
	fired := d.deps.Monitor.Evaluate(ctx)
	if len(fired) == 0 {
		return "No alerts fired.", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d alert(s) fired:\n", len(fired))
	for _, f := range fired {
		fmt.Fprintf(&b, "%s at %s (target %s %s)\n",
			f.Rule.Label(), models.FormatUSD(f.Price), f.Rule.Direction, models.FormatUSD(f.Rule.TargetPrice))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (d *Dispatcher) watch(ctx context.Context, args []string) (string, error) {
	if len(args) != 1 {
		return "", usage("")
	}
	inst, added, err := d.deps.Watchlist.Add(ctx, args[0])
	if err != nil {
		return "", err
	}
	if !added {
		return inst.DisplayName() + " is already on the watchlist.", nil
	}
	return "Watching " + inst.DisplayName() + ".", nil
}

func (d *Dispatcher) unwatch(ctx context.Context, args []string) (string, error) {
	if len(args) != 1 {
		return "", usage("")
	}
	if err := d.deps.Watchlist.Remove(ctx, args[0]); err != nil {
		return "", err
	}
	return "Removed " + args[0] + " from the watchlist.", nil
}

func (d *Dispatcher) watchlist(_ context.Context, _ []string) (string, error) {
	ids := d.deps.Watchlist.IDs()
	if len(ids) == 0 {
		return "Watchlist is empty. Add coins with /watch <coin-id>.", nil
	}
	quotes := d.deps.Watchlist.Quotes()
	var b strings.Builder
	for _, inst := range quotes {
		fmt.Fprintf(&b, "%s: %s\n", inst.DisplayName(), models.FormatUSD(inst.CurrentPrice))
	}
	if missing := len(ids) - len(quotes); missing > 0 {
		fmt.Fprintf(&b, "(%d without a current price)\n", missing)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
