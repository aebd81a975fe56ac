package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/vaultmenu/vaultmenu/internal/config"
	"github.com/vaultmenu/vaultmenu/internal/editor"
	"github.com/vaultmenu/vaultmenu/internal/otp"
	"github.com/vaultmenu/vaultmenu/internal/passgen"
	"github.com/vaultmenu/vaultmenu/internal/vault"
)

const (
	confirmNo     = "NO"
	confirmDelete = "Yes - confirm delete"

	pwGenerate     = "Generate password"
	pwManual       = "Manually enter password"
	pwTypeExisting = "Type existing password"

	totpEnterSecret = "Enter secret key"
	totpType        = "Type TOTP"
	totpDefault     = "Default RFC 6238 token settings"
	totpSteam       = "Steam token settings"
	totpCustom      = "Use custom settings"
	totpLabel       = "Main"

	attrMultiline = "Multi-line Edit"
	attrDelete    = "Delete"

	groupCreate = "Create"
	groupMove   = "Move"
	groupRename = "Rename"
	groupDelete = "Delete"

	expiryPrompt  = "Expiration Date (yyyy-mm-dd hh:mm OR yyyy-mm-dd OR HH:MM OR 'None' to unset)"
	expiryFormat  = "2006-01-02 15:04"
	rootGroupLine = "/"
)

// editResult tells the edit loop what to do after one field edit.
type editResult int

const (
	editAgain editResult = iota
	editDone
	editDeleted
)

type fieldKind int

const (
	fieldTitle fieldKind = iota
	fieldPath
	fieldUsername
	fieldPassword
	fieldTOTP
	fieldURL
	fieldAutotype
	fieldNotes
	fieldExpiry
	fieldAttribute
	fieldAddAttribute
	fieldDelete
)

type editField struct {
	line string
	kind fieldKind
	attr string
}

// editFields lists the editable fields of e in menu order. Attributes that
// carry OTP settings are edited through the TOTP field instead.
func editFields(e vault.Entry) []editField {
	orNone := func(set bool, v string) string {
		if set {
			return v
		}
		return "None"
	}
	fields := []editField{
		{line: "Title: " + e.Title, kind: fieldTitle},
		{line: "Path: " + e.Group, kind: fieldPath},
		{line: "Username: " + e.Username, kind: fieldUsername},
		{line: "Password: " + orNone(e.Password != "", "**********"), kind: fieldPassword},
		{line: "TOTP: " + orNone(e.OTPURL() != "", "******"), kind: fieldTOTP},
		{line: "Url: " + e.URL, kind: fieldURL},
		{line: "Autotype Sequence: " + e.Autotype, kind: fieldAutotype},
		{line: "Notes: " + orNone(e.Notes != "", "<Enter to Edit>"), kind: fieldNotes},
		{line: "Expiry time: " + orNone(!e.Expires.IsZero(), e.Expires.Local().Format(expiryFormat)), kind: fieldExpiry},
	}
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		if !otp.IsField(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		v := e.Fields[name]
		shown := orNone(v != "", v)
		if strings.Contains(v, "\n") {
			shown = "<Enter to Edit>"
		}
		fields = append(fields, editField{line: name + ": " + shown, kind: fieldAttribute, attr: name})
	}
	return append(fields,
		editField{line: "Add Attribute: ", kind: fieldAddAttribute},
		editField{line: "Delete Entry: ", kind: fieldDelete},
	)
}

// editEntries lets the user pick one of entries and edit it.
func (r *Runner) editEntries(ctx context.Context, entries []vault.Entry) {
	cfg, m, _ := r.deps()
	sel, err := m.Select(ctx, entriesPrompt(cfg.Menu.TitlePath, r.current.path), entryLines(entries))
	if err != nil {
		return
	}
	entry, ok := pickEntry(entries, sel)
	if !ok {
		return
	}
	entry, deleted := r.editLoop(ctx, entry)
	r.finishEdit(ctx, entry, deleted)
}

// addEntry creates an entry in a chosen group and opens it for editing.
// An entry still without a title afterwards is discarded.
func (r *Runner) addEntry(ctx context.Context) {
	group, ok := r.selectGroup(ctx, "Groups")
	if !ok {
		return
	}
	store := r.current.store
	entry, deleted := r.editLoop(ctx, store.Put(vault.Entry{Group: group}))
	if !deleted && strings.TrimSpace(entry.Title) == "" {
		if err := store.Delete(entry.ID); err != nil {
			log.Printf("[Session] discard untitled entry: %v", err)
		}
		r.saveCurrent(ctx)
		return
	}
	r.finishEdit(ctx, entry, deleted)
}

func (r *Runner) finishEdit(ctx context.Context, entry vault.Entry, deleted bool) {
	r.saveCurrent(ctx)
	if deleted {
		if r.previous != nil && r.previous.ID == entry.ID {
			r.previous = nil
		}
		return
	}
	r.previous = &entry
}

// saveCurrent writes pending changes of the active database.
func (r *Runner) saveCurrent(ctx context.Context) bool {
	if err := r.current.store.Save(ctx); err != nil {
		log.Printf("[Session] save %s: %v", r.current.path, err)
		_, m, _ := r.deps()
		m.Error(ctx, "Could not save database: "+err.Error())
		return false
	}
	return true
}

// editLoop edits entry field by field until the user is done. It returns
// the latest version of the entry and whether it was deleted.
func (r *Runner) editLoop(ctx context.Context, entry vault.Entry) (vault.Entry, bool) {
	for {
		next, res := r.editOnce(ctx, entry)
		switch res {
		case editDeleted:
			return entry, true
		case editDone:
			return next, false
		}
		entry = next
	}
}

func (r *Runner) editOnce(ctx context.Context, entry vault.Entry) (vault.Entry, editResult) {
	cfg, m, _ := r.deps()
	store := r.current.store
	fields := editFields(entry)
	lines := make([]string, len(fields))
	for i, f := range fields {
		lines[i] = f.line
	}
	sel, err := m.Select(ctx, "Edit Entry", lines)
	if err != nil {
		return entry, editDone
	}
	var field *editField
	for i := range fields {
		if fields[i].line == sel {
			field = &fields[i]
			break
		}
	}
	if field == nil {
		return entry, editDone
	}

	switch field.kind {
	case fieldTitle:
		return r.editText(ctx, entry, "Title", entry.Title, func(e *vault.Entry, v string) { e.Title = v })
	case fieldUsername:
		return r.editText(ctx, entry, "Username", entry.Username, func(e *vault.Entry, v string) { e.Username = v })
	case fieldURL:
		return r.editText(ctx, entry, "Url", entry.URL, func(e *vault.Entry, v string) { e.URL = v })
	case fieldAutotype:
		return r.editText(ctx, entry, "Autotype Sequence", entry.Autotype, func(e *vault.Entry, v string) { e.Autotype = v })
	case fieldPath:
		if group, ok := r.selectGroup(ctx, "Groups"); ok {
			entry.Group = group
			entry = store.Put(entry)
		}
		return entry, editAgain
	case fieldPassword:
		return r.editPassword(ctx, cfg, entry)
	case fieldTOTP:
		return r.editTOTP(ctx, entry), editAgain
	case fieldNotes:
		notes, ok := r.runEditor(ctx, cfg, entry.Notes)
		if ok {
			entry.Notes = notes
			entry = store.Put(entry)
		}
		return entry, editAgain
	case fieldExpiry:
		return r.editExpiry(ctx, entry), editAgain
	case fieldAttribute:
		return r.editAttribute(ctx, cfg, entry, field.attr), editAgain
	case fieldAddAttribute:
		name, err := m.Select(ctx, "Attribute Name", nil)
		if err != nil || strings.TrimSpace(name) == "" {
			return entry, editAgain
		}
		return r.editAttribute(ctx, cfg, entry, strings.TrimSpace(name)), editAgain
	case fieldDelete:
		if !r.confirmDelete(ctx) {
			return entry, editAgain
		}
		if err := store.Delete(entry.ID); err != nil {
			m.Error(ctx, err.Error())
			return entry, editAgain
		}
		return entry, editDeleted
	}
	return entry, editDone
}

// editText asks for a single-line value, offering the current one.
func (r *Runner) editText(ctx context.Context, entry vault.Entry, prompt, current string, set func(*vault.Entry, string)) (vault.Entry, editResult) {
	_, m, _ := r.deps()
	v, err := m.Select(ctx, prompt, []string{current})
	if err != nil || v == "" {
		return entry, editAgain
	}
	set(&entry, v)
	return r.current.store.Put(entry), editAgain
}

func (r *Runner) confirmDelete(ctx context.Context) bool {
	_, m, _ := r.deps()
	sel, err := m.Select(ctx, "Confirm delete", []string{confirmNo, confirmDelete})
	return err == nil && sel == confirmDelete
}

func (r *Runner) editPassword(ctx context.Context, cfg *config.Config, entry vault.Entry) (vault.Entry, editResult) {
	_, m, _ := r.deps()
	options := []string{pwGenerate, pwManual}
	if entry.Password != "" {
		options = append(options, pwTypeExisting)
	}
	choice, err := m.Select(ctx, "Password Options", options)
	if err != nil {
		return entry, editAgain
	}

	var pw string
	switch choice {
	case pwTypeExisting:
		r.emit(ctx, entry.Password)
		return entry, editDone
	case pwManual:
		first, err := m.Password(ctx, "Password")
		if err != nil || first == "" {
			return entry, editAgain
		}
		second, err := m.Password(ctx, "Verify password")
		if err != nil || second != first {
			m.Error(ctx, "Passwords do not match. No changes made.")
			return entry, editAgain
		}
		pw = first
	case pwGenerate:
		generated, ok := r.generatePassword(ctx, cfg)
		if !ok {
			return entry, editAgain
		}
		pw = generated
	default:
		return entry, editAgain
	}
	entry.Password = pw
	return r.current.store.Put(entry), editAgain
}

// generatePassword asks for a length and character presets.
func (r *Runner) generatePassword(ctx context.Context, cfg *config.Config) (string, bool) {
	_, m, _ := r.deps()
	sel, err := m.Select(ctx, "Password Length?", []string{strconv.Itoa(passgen.DefaultLength)})
	if err != nil {
		return "", false
	}
	length, err := strconv.Atoi(strings.TrimSpace(sel))
	if err != nil || length <= 0 {
		length = passgen.DefaultLength
	}

	catalog, err := passgen.NewCatalog(cfg.PasswordChars, cfg.PasswordPresets)
	if err != nil {
		log.Printf("[Session] password presets: %v", err)
	}
	sel, err = m.Select(ctx, "Pick character set(s) to use", catalog.PresetNames())
	if err != nil {
		return "", false
	}
	// multi-select launchers return one preset per line
	pw, err := catalog.Generate(strings.Split(sel, "\n"), length)
	switch {
	case errors.Is(err, passgen.ErrTooShort):
		m.Error(ctx, "Number of char groups desired is more than requested pw length")
		return "", false
	case err != nil:
		m.Error(ctx, err.Error())
		return "", false
	}
	return pw, true
}

func (r *Runner) editTOTP(ctx context.Context, entry vault.Entry) vault.Entry {
	_, m, perf := r.deps()
	current := entry.OTPURL()
	choice := totpEnterSecret
	if current != "" {
		var err error
		if choice, err = m.Select(ctx, "TOTP", []string{totpEnterSecret, totpType}); err != nil {
			return entry
		}
	}
	switch choice {
	case totpType:
		code, err := perf.TOTP(entry)
		if err != nil {
			m.Error(ctx, err.Error())
			return entry
		}
		r.emit(ctx, code)
		return entry
	case totpEnterSecret:
	default:
		return entry
	}

	var offered []string
	if p, err := otp.ParseURL(current); err == nil {
		offered = []string{p.Base32()}
	}
	secret, err := m.Select(ctx, "Secret Key?", offered)
	secret = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(secret), " ", ""))
	if err != nil || secret == "" {
		return entry
	}
	if strings.Trim(secret, otp.SecretAlphabet) != "" {
		m.Error(ctx, "Invalid character in secret key, valid characters are "+otp.SecretAlphabet)
		return entry
	}
	key, err := otp.DecodeSecret(secret)
	if err != nil {
		m.Error(ctx, err.Error())
		return entry
	}

	params, ok := r.totpSettings(ctx)
	if !ok {
		return entry
	}
	params.Secret = key
	entry.OTP = params.URL(totpLabel)
	return r.current.store.Put(entry)
}

func (r *Runner) totpSettings(ctx context.Context) (otp.Params, bool) {
	_, m, _ := r.deps()
	p := otp.Params{Period: otp.DefaultPeriod, Digits: otp.DefaultDigits, Algorithm: "sha1"}
	choice, err := m.Select(ctx, "Settings", []string{totpDefault, totpSteam, totpCustom})
	if err != nil {
		return p, false
	}
	switch choice {
	case totpDefault:
		return p, true
	case totpSteam:
		p.Digits, p.Steam = 5, true
		return p, true
	case totpCustom:
	default:
		return p, false
	}

	alg, err := m.Select(ctx, "Algorithm", []string{"SHA-1", "SHA-256", "SHA-512"})
	if err != nil {
		return p, false
	}
	p.Algorithm = strings.ToLower(strings.ReplaceAll(alg, "-", ""))
	if p.Algorithm != "sha1" && p.Algorithm != "sha256" && p.Algorithm != "sha512" {
		m.Error(ctx, "Unsupported algorithm "+alg)
		return p, false
	}
	step, err := m.Select(ctx, "Time Step (sec)", []string{"30"})
	if err != nil {
		return p, false
	}
	if n, err := strconv.Atoi(strings.TrimSpace(step)); err == nil && n > 0 {
		p.Period = time.Duration(n) * time.Second
	}
	size, err := m.Select(ctx, "Code Size", []string{"6"})
	if err != nil {
		return p, false
	}
	if n, err := strconv.Atoi(strings.TrimSpace(size)); err == nil && n > 0 && n <= 10 {
		p.Digits = n
	}
	return p, true
}

func (r *Runner) editExpiry(ctx context.Context, entry vault.Entry) vault.Entry {
	_, m, _ := r.deps()
	var offered []string
	if !entry.Expires.IsZero() {
		offered = []string{entry.Expires.Local().Format(expiryFormat)}
	}
	sel, err := m.Select(ctx, expiryPrompt, offered)
	if err != nil || sel == "" {
		return entry
	}
	if strings.EqualFold(strings.TrimSpace(sel), "none") {
		entry.Expires = time.Time{}
		return r.current.store.Put(entry)
	}
	t, ok := parseExpiry(sel, r.now())
	if !ok {
		m.Error(ctx, "Invalid format. No changes made")
		return entry
	}
	entry.Expires = t.UTC()
	return r.current.store.Put(entry)
}

// parseExpiry accepts a local date and time, a date, or a time today.
func parseExpiry(s string, now time.Time) (time.Time, bool) {
	s = strings.TrimSpace(s)
	loc := time.Local
	for _, layout := range []string{expiryFormat, "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	if t, err := time.ParseInLocation("15:04", s, loc); err == nil {
		y, mo, d := now.In(loc).Date()
		return time.Date(y, mo, d, t.Hour(), t.Minute(), 0, 0, loc), true
	}
	return time.Time{}, false
}

// editAttribute edits, rewrites in the editor or deletes a custom field.
func (r *Runner) editAttribute(ctx context.Context, cfg *config.Config, entry vault.Entry, name string) vault.Entry {
	_, m, _ := r.deps()
	value := entry.Fields[name]
	options := []string{attrMultiline, attrDelete}
	if !strings.Contains(value, "\n") {
		options = append([]string{value}, options...)
	}
	sel, err := m.Select(ctx, name+":", options)
	if err != nil {
		return entry
	}
	fields := make(map[string]string, len(entry.Fields)+1)
	for k, v := range entry.Fields {
		fields[k] = v
	}
	switch sel {
	case attrDelete:
		if _, ok := fields[name]; !ok {
			return entry
		}
		delete(fields, name)
	case attrMultiline:
		edited, ok := r.runEditor(ctx, cfg, value)
		if !ok || edited == "" {
			return entry
		}
		fields[name] = edited
	case "":
		return entry
	default:
		fields[name] = sel
	}
	entry.Fields = fields
	return r.current.store.Put(entry)
}

// runEditor edits text in the configured editor.
func (r *Runner) runEditor(ctx context.Context, cfg *config.Config, text string) (string, bool) {
	_, m, _ := r.deps()
	edited, err := r.textEditor(cfg).Edit(ctx, text)
	if err != nil {
		log.Printf("[Session] editor: %v", err)
		if errors.Is(err, editor.ErrNotFound) {
			m.Error(ctx, "Terminal not found. Please update the config file.")
		} else {
			m.Error(ctx, err.Error())
		}
		return text, false
	}
	return edited, true
}

// groupLines numbers groups for the menu; the root group shows as "/".
func groupLines(groups []string) []string {
	width := len(strconv.Itoa(len(groups)))
	lines := make([]string, len(groups))
	for i, g := range groups {
		if g == "" {
			g = rootGroupLine
		}
		lines[i] = fmt.Sprintf("%*d - %s", width, i, g)
	}
	return lines
}

// selectGroup asks for a group. The root group is returned as "".
func (r *Runner) selectGroup(ctx context.Context, prompt string) (string, bool) {
	_, m, _ := r.deps()
	groups := append([]string{""}, r.current.store.Groups()...)
	sel, err := m.Select(ctx, prompt, groupLines(groups))
	if err != nil {
		return "", false
	}
	idx, _, _ := strings.Cut(sel, "-")
	i, err := strconv.Atoi(strings.TrimSpace(idx))
	if err != nil || i < 0 || i >= len(groups) {
		return "", false
	}
	return groups[i], true
}

// manageGroups creates, moves, renames and deletes groups until the user
// picks anything other than an action.
func (r *Runner) manageGroups(ctx context.Context) {
	_, m, _ := r.deps()
	actions := []string{groupCreate, groupMove, groupRename, groupDelete}
	for {
		lines := append(append([]string(nil), actions...), "")
		lines = append(lines, r.current.store.Groups()...)
		sel, err := m.Select(ctx, "Groups", lines)
		if err != nil {
			return
		}
		var changed bool
		switch sel {
		case groupCreate:
			changed = r.createGroup(ctx)
		case groupMove:
			changed = r.moveGroup(ctx)
		case groupRename:
			changed = r.renameGroup(ctx)
		case groupDelete:
			changed = r.deleteGroup(ctx)
		default:
			return
		}
		if changed && !r.saveCurrent(ctx) {
			return
		}
	}
}

// groupError reports a failed group operation and returns false.
func (r *Runner) groupError(ctx context.Context, err error) bool {
	_, m, _ := r.deps()
	log.Printf("[Session] group: %v", err)
	m.Error(ctx, err.Error())
	return false
}

func (r *Runner) createGroup(ctx context.Context) bool {
	_, m, _ := r.deps()
	parent, ok := r.selectGroup(ctx, "Select parent group")
	if !ok {
		return false
	}
	name, err := m.Select(ctx, "Group name", nil)
	if err != nil || strings.TrimSpace(name) == "" {
		return false
	}
	if err := r.current.store.AddGroup(path.Join(parent, name)); err != nil {
		return r.groupError(ctx, err)
	}
	return true
}

func (r *Runner) moveGroup(ctx context.Context) bool {
	group, ok := r.selectGroup(ctx, "Select group to move")
	if !ok {
		return false
	}
	dest, ok := r.selectGroup(ctx, "Select destination group")
	if !ok {
		return false
	}
	if err := r.current.store.RenameGroup(group, path.Join(dest, path.Base(group))); err != nil {
		return r.groupError(ctx, err)
	}
	return true
}

func (r *Runner) renameGroup(ctx context.Context) bool {
	_, m, _ := r.deps()
	group, ok := r.selectGroup(ctx, "Select group to rename")
	if !ok {
		return false
	}
	name, err := m.Select(ctx, "New group name", []string{path.Base(group)})
	if err != nil || strings.TrimSpace(name) == "" {
		return false
	}
	parent := path.Dir(group)
	if parent == "." {
		parent = ""
	}
	if err := r.current.store.RenameGroup(group, path.Join(parent, name)); err != nil {
		return r.groupError(ctx, err)
	}
	return true
}

func (r *Runner) deleteGroup(ctx context.Context) bool {
	group, ok := r.selectGroup(ctx, "Delete Group:")
	if !ok || !r.confirmDelete(ctx) {
		return false
	}
	n, err := r.current.store.DeleteGroup(group)
	if err != nil {
		return r.groupError(ctx, err)
	}
	log.Printf("[Session] deleted group %s with %d entries", group, n)
	if r.previous != nil && vault.InGroup(r.previous.Group, group) {
		r.previous = nil
	}
	return true
}
