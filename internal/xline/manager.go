// Package xline manages the network ban (AKILL) list: adding entries behind
// the safety checks, deleting by mask or by display position, listing,
// clearing and expiring them, and handing every change to the propagator so
// the uplink hears about it.
package xline

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dalnet/ngservices/internal/logging"
	"github.com/dalnet/ngservices/internal/metrics"
)

var (
	ErrEmptyReason     = errors.New("a reason is required")
	ErrExpiryTooShort  = errors.New("expiry time must be at least one minute")
	ErrMaskTooWide     = errors.New("mask is too wide")
	ErrTooManyAffected = errors.New("mask would affect too much of the network")
	ErrNoRegexEngine   = errors.New("regex masks are not enabled")
	ErrAlreadyPresent  = errors.New("mask already exists")
	ErrCoveredBy       = errors.New("mask is already covered")
	ErrVetoed          = errors.New("addition refused")
	ErrListEmpty       = errors.New("AKILL list is empty")
	ErrNotFound        = errors.New("not found on the AKILL list")
)

// Users gives the manager a view of who is connected
type Users interface {
	Identities() []Identity
	// FindNick returns the identity using nick, if anyone is
	FindNick(nick string) (Identity, bool)
}

// Propagator tells the network about ban changes
type Propagator interface {
	SendBan(e *Entry)
	SendBanDel(e *Entry)
}

// Store persists the ban list
type Store interface {
	LoadBans() ([]*Entry, error)
	SaveBans(entries []*Entry) error
}

// Observer is told about every entry added or deleted. Deleting n entries
// always produces n BanDeleted calls.
type Observer interface {
	BanAdded(by string, e *Entry)
	BanDeleted(by string, e *Entry)
}

// AddHook may veto a new entry by returning an error
type AddHook func(by string, e *Entry) error

// Options tune the manager
type Options struct {
	// DefaultExpiry applies when no expiry is given
	DefaultExpiry time.Duration
	// DefaultUnit is the unit of a bare number expiry
	DefaultUnit time.Duration
	// PropagateOnAdd sends new entries to the network immediately
	PropagateOnAdd bool
	// GenerateIDs assigns every new entry a network id
	GenerateIDs bool
	// Threshold is the largest percentage of users one entry may match
	Threshold float64
	// Regex compiles /regex/ masks; nil disables them
	Regex RegexEngine
}

// DefaultOptions match a stock configuration
func DefaultOptions() Options {
	return Options{
		DefaultExpiry:  30 * Day,
		DefaultUnit:    Day,
		PropagateOnAdd: true,
		Threshold:      95,
		Regex:          re2Engine{},
	}
}

// Manager owns the ordered ban list. It is not safe for concurrent use; the
// engine's event loop is its only caller.
type Manager struct {
	opts    Options
	users   Users
	store   Store
	prop    Propagator
	log     logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	entries   []*Entry
	observers []Observer
	hooks     []AddHook
}

// NewManager creates an empty manager. Call Load to read the stored list.
func NewManager(opts Options, users Users, store Store, log logging.Logger, m *metrics.Metrics) *Manager {
	if opts.Threshold <= 0 {
		opts.Threshold = 95
	}
	if opts.DefaultUnit <= 0 {
		opts.DefaultUnit = Day
	}
	if m == nil {
		m = metrics.New()
	}
	return &Manager{
		opts:    opts,
		users:   users,
		store:   store,
		log:     log.With("component", "akill"),
		metrics: m,
		now:     time.Now,
	}
}

// SetPropagator wires the manager to the uplink
func (m *Manager) SetPropagator(p Propagator) {
	m.prop = p
}

// SetClock replaces the time source
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Subscribe registers an observer
func (m *Manager) Subscribe(o Observer) {
	m.observers = append(m.observers, o)
}

// AddHook registers a hook consulted before every addition
func (m *Manager) AddHook(h AddHook) {
	m.hooks = append(m.hooks, h)
}

// Load replaces the list with the stored one. Regex masks that no longer
// compile are kept but never match.
func (m *Manager) Load() error {
	if m.store == nil {
		return nil
	}
	entries, err := m.store.LoadBans()
	if err != nil {
		return fmt.Errorf("failed to load akills: %w", err)
	}
	for _, e := range entries {
		if e.IsRegex() && m.opts.Regex != nil {
			re, err := m.opts.Regex.Compile(e.Mask[1 : len(e.Mask)-1])
			if err != nil {
				m.log.Warn("stored regex akill does not compile", "mask", e.Mask, "error", err)
				continue
			}
			e.re = re
		}
	}
	m.entries = entries
	m.updateGauge()
	return nil
}

// Len returns the number of entries
func (m *Manager) Len() int {
	return len(m.entries)
}

// Entries returns a copy of the list in display order
func (m *Manager) Entries() []*Entry {
	out := make([]*Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Entry returns the entry at 1-based display position n
func (m *Manager) Entry(n int) *Entry {
	if n < 1 || n > len(m.entries) {
		return nil
	}
	return m.entries[n-1]
}

// Check returns the first entry matching id, or nil
func (m *Manager) Check(id Identity) *Entry {
	now := m.now()
	for _, e := range m.entries {
		if !e.Expired(now) && e.Matches(id) {
			return e
		}
	}
	return nil
}

// AddRequest is an operator asking for a new entry
type AddRequest struct {
	Mask string
	// Expiry is a duration spec like "+30d"; empty means the default
	Expiry string
	Reason string
	By     string
}

// AddResult describes a successful addition
type AddResult struct {
	Entry *Entry
	// Updated is set when an existing entry for the same mask had its
	// expiry extended instead of a new entry being added
	Updated  bool
	Affected int
	Percent  float64
	// Superseded entries were removed because the new one covers them
	Superseded []*Entry
}

// Add validates and appends a new entry. Every refusal leaves the list
// untouched.
func (m *Manager) Add(req AddRequest) (*AddResult, error) {
	now := m.now()

	lifetime := m.opts.DefaultExpiry
	if req.Expiry != "" {
		d, err := ParseDuration(req.Expiry, m.opts.DefaultUnit)
		if err != nil {
			return nil, m.refuse("bad_expiry", err)
		}
		lifetime = d
	}
	if lifetime != 0 && lifetime < time.Minute {
		return nil, m.refuse("bad_expiry", ErrExpiryTooShort)
	}

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, m.refuse("no_reason", ErrEmptyReason)
	}

	mask := strings.TrimSpace(req.Mask)
	var re Matcher
	if IsRegexMask(mask) {
		if m.opts.Regex == nil {
			return nil, m.refuse("regex", ErrNoRegexEngine)
		}
		compiled, err := m.opts.Regex.Compile(mask[1 : len(mask)-1])
		if err != nil {
			return nil, m.refuse("regex", &MatcherError{Engine: m.opts.Regex.Name(), Err: err})
		}
		re = compiled
	} else if id, ok := m.users.FindNick(mask); ok {
		mask = "*@" + id.Host
	}

	var expires time.Time
	if lifetime > 0 {
		expires = now.Add(lifetime)
	}

	if existing, updated, err := m.checkExisting(mask, expires, reason); err != nil {
		return nil, m.refuse("duplicate", err)
	} else if updated {
		m.save()
		if m.opts.PropagateOnAdd && m.prop != nil {
			m.prop.SendBan(existing)
		}
		m.log.Info("akill expiry updated", "mask", existing.Mask, "by", req.By, "expires", expiryString(existing.Expires))
		return &AddResult{Entry: existing, Updated: true}, nil
	}

	if tooWide(mask) {
		return nil, m.refuse("too_wide", fmt.Errorf("%w: %s", ErrMaskTooWide, mask))
	}

	e := &Entry{
		Mask:    mask,
		By:      req.By,
		Created: now,
		Expires: expires,
		Reason:  reason,
		re:      re,
	}
	if m.opts.GenerateIDs {
		e.ID = uuid.NewString()
	}

	identities := m.users.Identities()
	affected := 0
	for _, id := range identities {
		if e.Matches(id) {
			affected++
		}
	}
	var percent float64
	if len(identities) > 0 {
		percent = float64(affected) / float64(len(identities)) * 100
	}
	if percent > m.opts.Threshold {
		m.log.Info("refused akill matching too much of the network",
			"by", req.By, "mask", mask, "percent", fmt.Sprintf("%.2f", percent), "affected", affected)
		return nil, m.refuse("too_many_affected", fmt.Errorf("%w: %s matches %.2f%% of users (%d)", ErrTooManyAffected, mask, percent, affected))
	}

	for _, h := range m.hooks {
		if err := h(req.By, e); err != nil {
			return nil, m.refuse("vetoed", fmt.Errorf("%w: %w", ErrVetoed, err))
		}
	}

	superseded := m.removeCoveredBy(e, req.By)

	m.entries = append(m.entries, e)
	m.save()
	m.updateGauge()
	m.metrics.BansAdded.Inc()
	for _, o := range m.observers {
		o.BanAdded(req.By, e)
	}
	if m.opts.PropagateOnAdd && m.prop != nil {
		m.prop.SendBan(e)
	}

	m.log.Info("akill added", "by", req.By, "mask", mask, "reason", reason,
		"expires", expiryString(expires), "affected", affected, "percent", fmt.Sprintf("%.2f", percent))
	return &AddResult{Entry: e, Affected: affected, Percent: percent, Superseded: superseded}, nil
}

// checkExisting looks for an entry with the same mask or one covering it.
// An existing entry with a shorter lifetime is extended in place.
func (m *Manager) checkExisting(mask string, expires time.Time, reason string) (*Entry, bool, error) {
	for _, x := range m.entries {
		if strings.EqualFold(x.Mask, mask) {
			if x.Permanent() || (!expires.IsZero() && !x.Expires.Before(expires)) {
				return x, false, fmt.Errorf("%w: %s", ErrAlreadyPresent, x.Mask)
			}
			x.Expires = expires
			x.Reason = reason
			return x, true, nil
		}
		if !x.IsRegex() && !IsRegexMask(mask) && Match(mask, x.Mask, false) {
			return x, false, fmt.Errorf("%w by %s", ErrCoveredBy, x.Mask)
		}
	}
	return nil, false, nil
}

// removeCoveredBy drops entries the new entry makes redundant: narrower
// masks that would expire no later than it.
func (m *Manager) removeCoveredBy(e *Entry, by string) []*Entry {
	if e.IsRegex() {
		return nil
	}
	var covered []*Entry
	for _, x := range m.entries {
		if x.IsRegex() || !Match(x.Mask, e.Mask, false) {
			continue
		}
		if e.Permanent() || (!x.Permanent() && !x.Expires.After(e.Expires)) {
			covered = append(covered, x)
		}
	}
	for _, x := range covered {
		m.log.Info("removing akill covered by a wider one", "mask", x.Mask, "covered_by", e.Mask)
		m.delete(x, by, "superseded")
	}
	return covered
}

// DelResult reports how a delete went
type DelResult struct {
	Deleted []*Entry
	// ByNumber is set when the selector was an entry list
	ByNumber bool
}

// Count returns the number of entries removed
func (r DelResult) Count() int {
	return len(r.Deleted)
}

// Summary phrases the result for an operator
func (r DelResult) Summary() string {
	switch len(r.Deleted) {
	case 0:
		return "No matching entries on the AKILL list."
	case 1:
		return "Deleted 1 entry from the AKILL list."
	}
	return fmt.Sprintf("Deleted %d entries from the AKILL list.", len(r.Deleted))
}

// Del removes entries by mask, id or entry list. An entry list such as
// "2-5,7-9" is resolved against the list as it is before anything is
// deleted. A mask or id removes every entry it names.
func (m *Manager) Del(selector, by string) (DelResult, error) {
	selector = strings.TrimSpace(selector)
	if len(m.entries) == 0 {
		return DelResult{}, ErrListEmpty
	}

	var targets []*Entry
	byNumber := IsNumberList(selector)
	if byNumber {
		numbers, err := ParseNumberList(selector, len(m.entries))
		if err != nil {
			return DelResult{}, err
		}
		snapshot := m.Entries()
		for _, n := range numbers {
			targets = append(targets, snapshot[n-1])
		}
	} else {
		for _, e := range m.entries {
			if strings.EqualFold(e.Mask, selector) || (e.ID != "" && e.ID == selector) {
				targets = append(targets, e)
			}
		}
		if len(targets) == 0 {
			return DelResult{}, fmt.Errorf("%s %w", selector, ErrNotFound)
		}
	}

	for _, e := range targets {
		m.delete(e, by, "deleted")
	}
	if len(targets) > 0 {
		m.save()
		m.updateGauge()
		m.log.Info("akill entries deleted", "by", by, "selector", selector, "count", len(targets))
	}
	return DelResult{Deleted: targets, ByNumber: byNumber}, nil
}

// Listing is one entry with its display number
type Listing struct {
	Number int
	Entry  *Entry
}

// List returns the entries matching filter in display order. An empty
// filter lists everything; an entry list selects by position; anything else
// matches masks case-insensitively, as a glob, or ids exactly.
func (m *Manager) List(filter string) ([]Listing, error) {
	filter = strings.TrimSpace(filter)
	if len(m.entries) == 0 {
		return nil, ErrListEmpty
	}

	var out []Listing
	if IsNumberList(filter) {
		numbers, err := ParseNumberList(filter, len(m.entries))
		if err != nil {
			return nil, err
		}
		for _, n := range numbers {
			out = append(out, Listing{Number: n, Entry: m.entries[n-1]})
		}
		return out, nil
	}

	for i, e := range m.entries {
		if filter == "" || strings.EqualFold(filter, e.Mask) || (e.ID != "" && filter == e.ID) || Match(e.Mask, filter, false) {
			out = append(out, Listing{Number: i + 1, Entry: e})
		}
	}
	return out, nil
}

// Clear removes every entry, last first, notifying once per entry
func (m *Manager) Clear(by string) int {
	n := len(m.entries)
	for i := n - 1; i >= 0; i-- {
		m.delete(m.entries[i], by, "cleared")
	}
	if n > 0 {
		m.save()
		m.updateGauge()
		m.log.Info("akill list cleared", "by", by, "count", n)
	}
	return n
}

// Expire removes entries whose time is up and returns them
func (m *Manager) Expire() []*Entry {
	now := m.now()
	var expired []*Entry
	for _, e := range m.entries {
		if e.Expired(now) {
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		m.log.Info("akill expired", "mask", e.Mask, "by", e.By, "reason", e.Reason)
		m.delete(e, "", "expired")
	}
	if len(expired) > 0 {
		m.save()
		m.updateGauge()
	}
	return expired
}

// Apply records an entry the network told us about. Nothing is sent back.
// An entry for a mask already on the list is only ever extended: the uplink
// echoes our own bans back with the dialect's clamped lifetime, which must
// not shorten them or make a permanent one expire.
func (m *Manager) Apply(e *Entry) {
	for _, x := range m.entries {
		if strings.EqualFold(x.Mask, e.Mask) {
			if outlives(e.Expires, x.Expires) {
				x.Expires = e.Expires
				x.Reason = e.Reason
				m.save()
			}
			return
		}
	}
	if e.IsRegex() && m.opts.Regex != nil {
		if re, err := m.opts.Regex.Compile(e.Mask[1 : len(e.Mask)-1]); err == nil {
			e.re = re
		}
	}
	m.entries = append(m.entries, e)
	m.save()
	m.updateGauge()
	for _, o := range m.observers {
		o.BanAdded(e.By, e)
	}
}

// outlives reports whether an expiry of a ends later than b. Zero is never.
func outlives(a, b time.Time) bool {
	if b.IsZero() {
		return false
	}
	return a.IsZero() || a.After(b)
}

// Remove drops entries for mask on the network's say-so. Nothing is sent
// back.
func (m *Manager) Remove(mask, by string) int {
	var targets []*Entry
	for _, e := range m.entries {
		if strings.EqualFold(e.Mask, mask) {
			targets = append(targets, e)
		}
	}
	for _, e := range targets {
		m.unlink(e)
		m.metrics.BansDeleted.WithLabelValues("network").Inc()
		for _, o := range m.observers {
			o.BanDeleted(by, e)
		}
	}
	if len(targets) > 0 {
		m.save()
		m.updateGauge()
	}
	return len(targets)
}

// PropagateAll sends every live entry to the network
func (m *Manager) PropagateAll() int {
	if m.prop == nil {
		return 0
	}
	now := m.now()
	sent := 0
	for _, e := range m.entries {
		if !e.Expired(now) {
			m.prop.SendBan(e)
			sent++
		}
	}
	return sent
}

func (m *Manager) delete(e *Entry, by, cause string) {
	if !m.unlink(e) {
		return
	}
	m.metrics.BansDeleted.WithLabelValues(cause).Inc()
	for _, o := range m.observers {
		o.BanDeleted(by, e)
	}
	if m.prop != nil {
		m.prop.SendBanDel(e)
	}
}

func (m *Manager) unlink(e *Entry) bool {
	for i, x := range m.entries {
		if x == e {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (m *Manager) save() {
	if m.store == nil {
		return
	}
	if err := m.store.SaveBans(m.entries); err != nil {
		m.log.Error("failed to save akills", "error", err)
	}
}

func (m *Manager) refuse(reason string, err error) error {
	m.metrics.BansRefused.WithLabelValues(reason).Inc()
	return err
}

func (m *Manager) updateGauge() {
	m.metrics.Bans.Set(float64(len(m.entries)))
}

func expiryString(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

// NewEntry builds an entry outside of Add, for example from a network
// message or storage.
func NewEntry(mask, by, reason string, created, expires time.Time, id string) *Entry {
	return &Entry{Mask: mask, By: by, Reason: reason, Created: created, Expires: expires, ID: id}
}
