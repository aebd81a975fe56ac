package session

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/vaultmenu/vaultmenu/internal/autotype"
	"github.com/vaultmenu/vaultmenu/internal/channel"
	"github.com/vaultmenu/vaultmenu/internal/config"
	"github.com/vaultmenu/vaultmenu/internal/menu"
	"github.com/vaultmenu/vaultmenu/internal/vault"
)

// Menu options shown above the entry list.
const (
	optViewType     = "View/Type Individual entries"
	optPrevious     = "View previous entry"
	optExpiringFmt  = "Edit expiring/expired passwords (%d)"
	optEditEntries  = "Edit entries"
	optAddEntry     = "Add entry"
	optManageGroups = "Manage groups"
	optReload       = "Reload database"
	optOpenAnother  = "Open another database"
	optKill         = "Kill daemon"
	expiringHorizon = 3 * 24 * time.Hour
)

// outcome of one pass through the main menu.
type outcome int

const (
	outcomeDone outcome = iota
	outcomeAgain
	outcomeRetire
)

// MenuCycle runs the full interactive menu against the current database.
func (r *Runner) MenuCycle(ctx context.Context) bool {
	defer r.endCycle()
	if !r.ensureCurrent(ctx) {
		return len(r.databases) == 0
	}
	for {
		switch r.mainMenu(ctx) {
		case outcomeRetire:
			return true
		case outcomeAgain:
			continue
		default:
			return false
		}
	}
}

// ensureCurrent selects a database when none is active yet.
func (r *Runner) ensureCurrent(ctx context.Context) bool {
	if r.current != nil {
		return true
	}
	db, err := r.selectDatabase(ctx, channel.ArgBundle{}, true)
	if err != nil {
		log.Printf("[Session] no database for cycle: %v", err)
		return false
	}
	r.activate(db)
	return true
}

func (r *Runner) mainMenu(ctx context.Context) outcome {
	cfg, m, _ := r.deps()
	entries := r.visibleEntries(cfg)
	expiring := r.expiring()

	options := []string{optViewType}
	if r.previous != nil {
		options = append(options, optPrevious)
	}
	if len(expiring) > 0 {
		options = append(options, fmt.Sprintf(optExpiringFmt, len(expiring)))
	}
	options = append(options, optEditEntries, optAddEntry, optManageGroups, optReload, optOpenAnother, optKill)

	lines := append(append([]string(nil), options...), entryLines(entries)...)
	sel, err := m.Select(ctx, entriesPrompt(cfg.Menu.TitlePath, r.current.path), lines)
	if err != nil {
		return outcomeDone
	}

	switch {
	case sel == optViewType:
		r.viewTypeIndividual(ctx, entries)
	case sel == optPrevious:
		r.viewAndType(ctx, *r.previous)
	case sel == fmt.Sprintf(optExpiringFmt, len(expiring)):
		r.editEntries(ctx, expiring)
	case sel == optEditEntries:
		r.editEntries(ctx, r.current.store.Entries())
	case sel == optAddEntry:
		r.addEntry(ctx)
	case sel == optManageGroups:
		r.manageGroups(ctx)
	case sel == optReload:
		if err := r.current.store.Reload(ctx); err != nil {
			log.Printf("[Session] reload %s: %v", r.current.path, err)
			m.Error(ctx, openErrorMessage(err))
			return outcomeDone
		}
		return outcomeAgain
	case sel == optOpenAnother:
		db, err := r.selectDatabase(ctx, channel.ArgBundle{}, true)
		if err != nil {
			return outcomeDone
		}
		r.activate(db)
		return outcomeAgain
	case sel == optKill:
		return outcomeRetire
	default:
		entry, ok := pickEntry(entries, sel)
		if !ok {
			return outcomeDone
		}
		r.typeEntry(ctx, cfg, entry)
		r.previous = &entry
	}
	return outcomeDone
}

// visibleEntries filters out hidden groups.
func (r *Runner) visibleEntries(cfg *config.Config) []vault.Entry {
	all := r.current.store.Entries()
	if len(cfg.HideGroups) == 0 {
		return all
	}
	out := all[:0:0]
	for _, e := range all {
		if !hidden(e.Group, cfg.HideGroups) {
			out = append(out, e)
		}
	}
	return out
}

func hidden(group string, hide []string) bool {
	for _, h := range hide {
		if h != "" && strings.Contains(group, h) {
			return true
		}
	}
	return false
}

// expiring returns entries that expire within the next three days.
func (r *Runner) expiring() []vault.Entry {
	horizon := r.now().Add(expiringHorizon)
	var out []vault.Entry
	for _, e := range r.current.store.Entries() {
		if e.Expired(horizon) {
			out = append(out, e)
		}
	}
	return out
}

// entryLines numbers entries so duplicates stay distinguishable.
func entryLines(entries []vault.Entry) []string {
	width := len(strconv.Itoa(len(entries)))
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = fmt.Sprintf("%*d - %s - %s - %s", width, i, e.Path(), e.Username, e.URL)
	}
	return lines
}

// pickEntry maps a selected entry line back to its entry.
func pickEntry(entries []vault.Entry, sel string) (vault.Entry, bool) {
	idx, _, _ := strings.Cut(sel, "-")
	i, err := strconv.Atoi(strings.TrimSpace(idx))
	if err != nil || i < 0 || i >= len(entries) {
		return vault.Entry{}, false
	}
	return entries[i], true
}

// entriesPrompt renders the menu prompt from the title_path setting: true
// shows the full database path, false or 0 hides it and a number truncates
// it to that many characters.
func entriesPrompt(titlePath any, dbPath string) string {
	maxLen := -1
	switch v := titlePath.(type) {
	case nil:
	case bool:
		if !v {
			maxLen = 0
		}
	case int:
		maxLen = v
	case float64:
		maxLen = int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			maxLen = n
		} else if b, err := strconv.ParseBool(v); err == nil && !b {
			maxLen = 0
		}
	}

	switch {
	case maxLen < 0:
		return "Entries: " + dbPath
	case maxLen == 0:
		return "Entries"
	}
	filename := filepath.Base(dbPath)
	if len(filename) >= maxLen-3 {
		return "Entries: " + filename
	}
	p := dbPath
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		p = strings.Replace(p, home, "~", 1)
	}
	if len(p) <= maxLen {
		return "Entries: " + p
	}
	return "Entries: " + p[:maxLen-len(filename)-3] + "..." + filename
}

// typeEntry types entry with the effective sequence, or copies its password
// in clipboard mode.
func (r *Runner) typeEntry(ctx context.Context, cfg *config.Config, entry vault.Entry) {
	_, m, perf := r.deps()
	if r.clipboard {
		if err := perf.Copy(ctx, entry.Password); err != nil {
			m.Error(ctx, fmt.Sprintf("Clipboard error: %v", err))
		}
		return
	}
	seq := r.sequenceFor(cfg, entry)
	if err := perf.TypeEntry(ctx, entry, seq); err != nil {
		log.Printf("[Session] autotype %s: %v", entry.Path(), err)
		m.Error(ctx, err.Error())
	}
}

func (r *Runner) sequenceFor(cfg *config.Config, entry vault.Entry) string {
	dbDefault := ""
	if r.current != nil {
		dbDefault = r.current.autotype
	}
	return autotype.Effective(entry, r.override, dbDefault, cfg.Autotype.Default)
}

// emit types text, or copies it in clipboard mode.
func (r *Runner) emit(ctx context.Context, text string) {
	if text == "" {
		return
	}
	_, m, perf := r.deps()
	var err error
	if r.clipboard {
		err = perf.Copy(ctx, text)
	} else {
		err = perf.TypeText(ctx, text)
	}
	if err != nil {
		log.Printf("[Session] emit: %v", err)
		m.Error(ctx, err.Error())
	}
}

func (r *Runner) viewTypeIndividual(ctx context.Context, entries []vault.Entry) {
	cfg, m, _ := r.deps()
	sel, err := m.Select(ctx, entriesPrompt(cfg.Menu.TitlePath, r.current.path), entryLines(entries))
	if err != nil {
		return
	}
	entry, ok := pickEntry(entries, sel)
	if !ok {
		return
	}
	r.viewAndType(ctx, entry)
	r.previous = &entry
}

// viewAndType shows the fields of entry and emits the chosen one.
func (r *Runner) viewAndType(ctx context.Context, entry vault.Entry) {
	text, err := r.viewEntry(ctx, entry)
	if err != nil {
		return
	}
	r.emit(ctx, text)
}

const (
	maskedPassword = "**********"
	maskedTOTP     = "TOTP: ******"
	notesHint      = "Notes: <Enter to view>"
)

func entryFields(entry vault.Entry) []string {
	field := func(v, empty string) string {
		if v == "" {
			return empty
		}
		return v
	}
	fields := []string{
		field(entry.Path(), "Title: None"),
		field(entry.Username, "Username: None"),
		"Password: None",
		"TOTP: None",
		field(entry.URL, "URL: None"),
		"Notes: None",
		"Expiry date: None",
	}
	if entry.Password != "" {
		fields[2] = maskedPassword
	}
	if entry.OTPURL() != "" {
		fields[3] = maskedTOTP
	}
	if entry.Notes != "" {
		fields[5] = notesHint
	}
	if !entry.Expires.IsZero() {
		fields[6] = "Expire time: " + entry.Expires.Format("2006-01-02 15:04:05")
	}
	return fields
}

// viewEntry returns the text to emit for the chosen field.
func (r *Runner) viewEntry(ctx context.Context, entry vault.Entry) (string, error) {
	_, m, perf := r.deps()
	fields := entryFields(entry)
	sel, err := m.Select(ctx, entry.Title, fields)
	if err != nil {
		return "", err
	}
	switch sel {
	case maskedPassword:
		return entry.Password, nil
	case maskedTOTP:
		return perf.TOTP(entry)
	case notesHint:
		return m.Select(ctx, "Notes", strings.Split(entry.Notes, "\n"))
	case fields[6]:
		return "", menu.ErrCancelled
	}
	if strings.HasSuffix(sel, ": None") {
		return "", menu.ErrCancelled
	}
	return sel, nil
}

// OTPCycle lists only entries carrying OTP data and emits the current code
// of the selected one.
func (r *Runner) OTPCycle(ctx context.Context) bool {
	defer r.endCycle()
	if !r.ensureCurrent(ctx) {
		return len(r.databases) == 0
	}
	cfg, m, perf := r.deps()
	var entries []vault.Entry
	for _, e := range r.visibleEntries(cfg) {
		if e.OTPURL() != "" {
			entries = append(entries, e)
		}
	}
	if len(entries) == 0 {
		m.Error(ctx, "No entries with OTP data")
		return false
	}
	sel, err := m.Select(ctx, entriesPrompt(cfg.Menu.TitlePath, r.current.path), entryLines(entries))
	if err != nil {
		return false
	}
	entry, ok := pickEntry(entries, sel)
	if !ok {
		return false
	}
	code, err := perf.TOTP(entry)
	if err != nil {
		log.Printf("[Session] otp for %s: %v", entry.Path(), err)
		m.Error(ctx, err.Error())
		return false
	}
	r.emit(ctx, code)
	r.previous = &entry
	return false
}
