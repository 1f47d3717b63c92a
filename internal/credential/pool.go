package credential

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/roelfdiedericks/docgen/internal/kvstore"
	"github.com/roelfdiedericks/docgen/internal/llm"
	. "github.com/roelfdiedericks/docgen/internal/logging"
)

// Storage keys
const (
	StorageKey       = "credentials"
	LegacyStorageKey = "api_key" // single-key format from early versions
)

// Config configures a Pool. Zero values take the defaults above.
type Config struct {
	Cooldown              time.Duration
	MaxCredentials        int
	UnknownErrorThreshold int
	OnEvent               EventHook
	Now                   func() time.Time
}

type persisted struct {
	Keys         []Credential `json:"keys"`
	CurrentIndex int          `json:"currentIndex"`
}

// Pool is the credential pool. All methods are safe for concurrent use.
// Every mutation is written through to the store; storage failures are
// logged and the in-memory state stays authoritative.
type Pool struct {
	mu      sync.Mutex
	store   kvstore.Store
	cfg     Config
	creds   []Credential
	current int
	pending []Event
}

// NewPool loads the pool from store, migrating the legacy single-key entry
// if no pool has been saved yet.
func NewPool(store kvstore.Store, cfg Config) *Pool {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.MaxCredentials <= 0 {
		cfg.MaxCredentials = DefaultMaxCredentials
	}
	if cfg.UnknownErrorThreshold <= 0 {
		cfg.UnknownErrorThreshold = DefaultUnknownErrorThreshold
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	p := &Pool{store: store, cfg: cfg}
	p.mu.Lock()
	defer p.unlock()
	p.load()
	return p
}

// unlock releases the lock and delivers queued events.
func (p *Pool) unlock() {
	events := p.pending
	p.pending = nil
	p.mu.Unlock()

	if p.cfg.OnEvent == nil {
		return
	}
	for _, e := range events {
		p.cfg.OnEvent(e)
	}
}

func (p *Pool) emit(t EventType, c *Credential, reason string) {
	e := Event{Type: t, Reason: reason, At: p.cfg.Now()}
	if c != nil {
		e.CredentialID = c.ID
		e.Name = c.Name
		e.Status = c.Status
	}
	p.pending = append(p.pending, e)
}

func (p *Pool) load() {
	raw, ok, err := p.store.Get(StorageKey)
	if err != nil {
		L_warn("credential: failed to load pool, starting empty", "error", err)
		return
	}
	if ok {
		var st persisted
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			L_warn("credential: stored pool is corrupt, starting empty", "error", err)
			return
		}
		for i := range st.Keys {
			c := &st.Keys[i]
			if c.ID == "" {
				c.ID = Fingerprint(c.Token)
			}
			if c.Status == "" {
				c.Status = StatusActive
			}
		}
		p.creds = st.Keys
		p.current = st.CurrentIndex
		if p.current < 0 || p.current >= len(p.creds) {
			p.current = 0
		}
		L_debug("credential: pool loaded", "credentials", len(p.creds), "current", p.current)
		return
	}

	p.migrateLegacy()
}

func (p *Pool) migrateLegacy() {
	legacy, ok, err := p.store.Get(LegacyStorageKey)
	if err != nil || !ok || strings.TrimSpace(legacy) == "" {
		return
	}
	if _, err := p.addLocked(legacy, "Key 1"); err != nil {
		L_warn("credential: legacy key not migrated", "error", err)
		return
	}
	p.save()
	if err := p.store.Remove(LegacyStorageKey); err != nil {
		L_warn("credential: failed to remove legacy key", "error", err)
	}
	L_info("credential: migrated legacy key")
}

func (p *Pool) save() {
	data, err := json.Marshal(persisted{Keys: p.creds, CurrentIndex: p.current})
	if err != nil {
		L_error("credential: failed to encode pool", "error", err)
		return
	}
	if err := p.store.Set(StorageKey, string(data)); err != nil {
		L_warn("credential: failed to persist pool", "error", err)
	}
}

// refresh promotes cooldowns whose timer has elapsed. Reports whether
// anything changed.
func (p *Pool) refresh() bool {
	now := p.cfg.Now()
	changed := false
	for i := range p.creds {
		c := &p.creds[i]
		if c.Status != StatusCooldown || c.CooldownUntil == nil || now.Before(*c.CooldownUntil) {
			continue
		}
		c.Status = StatusActive
		c.CooldownUntil = nil
		c.ConsecutiveErrors = 0
		changed = true
		L_info("credential: cooldown elapsed", "id", c.ID, "name", c.Name)
		p.emit(EventRecovered, c, "cooldown elapsed")
	}
	return changed
}

func (p *Pool) index(id string) int {
	for i := range p.creds {
		if p.creds[i].ID == id {
			return i
		}
	}
	return -1
}

// nextActive finds the first Active credential scanning from start, wrapping.
func (p *Pool) nextActive(start int) int {
	n := len(p.creds)
	for k := 0; k < n; k++ {
		i := (start + k) % n
		if p.creds[i].Status == StatusActive {
			return i
		}
	}
	return -1
}

func (p *Pool) hasActive() bool {
	return p.nextActive(0) >= 0
}

// Active returns the selected credential, moving the selection forward to
// the next Active one if the selected credential is not Active.
func (p *Pool) Active() (Credential, bool) {
	p.mu.Lock()
	defer p.unlock()

	changed := p.refresh()
	defer func() {
		if changed {
			p.save()
		}
	}()

	if len(p.creds) == 0 {
		return Credential{}, false
	}
	i := p.nextActive(p.current)
	if i < 0 {
		return Credential{}, false
	}
	if i != p.current {
		p.current = i
		changed = true
	}
	return p.creds[i], true
}

// ActiveRotation returns every Active credential, starting at the selection
// pointer and wrapping.
func (p *Pool) ActiveRotation() []Credential {
	p.mu.Lock()
	defer p.unlock()

	if p.refresh() {
		p.save()
	}
	n := len(p.creds)
	out := make([]Credential, 0, n)
	for k := 0; k < n; k++ {
		c := p.creds[(p.current+k)%n]
		if c.Status == StatusActive {
			out = append(out, c)
		}
	}
	return out
}

// Get returns the credential with id.
func (p *Pool) Get(id string) (Credential, bool) {
	p.mu.Lock()
	defer p.unlock()

	if p.refresh() {
		p.save()
	}
	if i := p.index(id); i >= 0 {
		return p.creds[i], true
	}
	return Credential{}, false
}

// MarkFailure records a failed call under credential id. Quota and rate
// limit errors start a cooldown, an invalid credential is disabled, and
// repeated unknown errors start a cooldown too. When the status changed
// the selection advances to the next Active credential.
func (p *Pool) MarkFailure(id string, kind llm.ErrorKind) RotationResult {
	p.mu.Lock()
	defer p.unlock()

	p.refresh()
	defer p.save()

	i := p.index(id)
	if i < 0 {
		return p.selection("")
	}
	c := &p.creds[i]
	c.ConsecutiveErrors++
	c.LastError = kind
	before := c.Status

	switch kind {
	case llm.ErrorKindQuotaExceeded, llm.ErrorKindRateLimited:
		if c.Status != StatusDisabled {
			p.startCooldown(c, string(kind))
		}
	case llm.ErrorKindInvalidCredential:
		c.Status = StatusDisabled
		c.CooldownUntil = nil
		L_warn("credential: disabled", "id", c.ID, "name", c.Name, "reason", kind)
		p.emit(EventDisabled, c, string(kind))
	case llm.ErrorKindUnknown:
		if c.Status == StatusActive && c.ConsecutiveErrors >= p.cfg.UnknownErrorThreshold {
			p.startCooldown(c, "repeated unknown errors")
		}
	}

	if c.Status == before || i != p.current {
		return p.selection(string(kind))
	}
	return p.advance(i, string(kind))
}

func (p *Pool) startCooldown(c *Credential, reason string) {
	until := p.cfg.Now().Add(p.cfg.Cooldown)
	c.Status = StatusCooldown
	c.CooldownUntil = &until
	L_warn("credential: cooldown", "id", c.ID, "name", c.Name, "until", until.Format(time.RFC3339), "reason", reason)
	p.emit(EventCooldown, c, reason)
}

// advance moves the selection from index from to the next Active credential.
func (p *Pool) advance(from int, reason string) RotationResult {
	res := RotationResult{Reason: reason}
	if from >= 0 && from < len(p.creds) {
		res.From = p.creds[from].Masked()
	}

	next := p.nextActive(from + 1)
	if next < 0 {
		L_error("credential: no active credentials left", "reason", reason)
		p.emit(EventExhausted, nil, reason)
		return res
	}

	res.Found = true
	res.Next = p.creds[next]
	res.To = res.Next.Masked()
	if next != from {
		p.current = next
		res.Rotated = true
		L_info("credential: rotated", "from", res.From, "to", res.To, "reason", reason)
		e := Event{Type: EventRotated, CredentialID: res.Next.ID, Name: res.Next.Name, Status: res.Next.Status,
			From: res.From, To: res.To, Reason: reason, At: p.cfg.Now()}
		p.pending = append(p.pending, e)
	}
	return res
}

// selection reports the current selection without moving it.
func (p *Pool) selection(reason string) RotationResult {
	res := RotationResult{Reason: reason}
	if len(p.creds) == 0 {
		return res
	}
	if i := p.nextActive(p.current); i >= 0 {
		res.Found = true
		res.Next = p.creds[i]
		res.To = res.Next.Masked()
	}
	return res
}

// MarkSuccess clears the error streak of an Active credential. A credential
// already cooling down keeps its cooldown.
func (p *Pool) MarkSuccess(id string) {
	p.mu.Lock()
	defer p.unlock()

	i := p.index(id)
	if i < 0 {
		return
	}
	c := &p.creds[i]
	now := p.cfg.Now()
	c.LastUsed = &now
	if c.Status == StatusActive {
		c.ConsecutiveErrors = 0
		c.LastError = ""
	}
	p.save()
}

// Reset returns a credential to Active, clearing errors and cooldown.
func (p *Pool) Reset(id string) error {
	p.mu.Lock()
	defer p.unlock()

	i := p.index(id)
	if i < 0 {
		return ErrNotFound
	}
	p.resetAt(i)
	p.save()
	return nil
}

// ResetAll returns every credential to Active.
func (p *Pool) ResetAll() {
	p.mu.Lock()
	defer p.unlock()

	for i := range p.creds {
		p.resetAt(i)
	}
	p.save()
	L_info("credential: all credentials reset", "credentials", len(p.creds))
}

func (p *Pool) resetAt(i int) {
	c := &p.creds[i]
	c.Status = StatusActive
	c.ConsecutiveErrors = 0
	c.CooldownUntil = nil
	c.LastError = ""
	p.emit(EventReset, c, "manual reset")
}

// Add validates and appends a credential. An empty name becomes "Key N".
func (p *Pool) Add(token, name string) (Credential, error) {
	p.mu.Lock()
	defer p.unlock()

	c, err := p.addLocked(token, name)
	if err != nil {
		return Credential{}, err
	}
	p.save()
	return c, nil
}

func (p *Pool) addLocked(token, name string) (Credential, error) {
	token = strings.TrimSpace(token)
	if len(token) < MinTokenLength {
		return Credential{}, ErrInvalidFormat
	}
	id := Fingerprint(token)
	if p.index(id) >= 0 {
		return Credential{}, ErrDuplicate
	}
	if len(p.creds) >= p.cfg.MaxCredentials {
		return Credential{}, fmt.Errorf("%w (max %d)", ErrPoolFull, p.cfg.MaxCredentials)
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = fmt.Sprintf("Key %d", len(p.creds)+1)
	}
	c := Credential{
		ID:      id,
		Token:   token,
		Name:    name,
		Status:  StatusActive,
		AddedAt: p.cfg.Now(),
	}
	p.creds = append(p.creds, c)
	if len(p.creds) == 1 {
		p.current = 0
	}
	L_info("credential: added", "id", c.ID, "name", c.Name, "total", len(p.creds))
	p.emit(EventAdded, &p.creds[len(p.creds)-1], "")
	return c, nil
}

// Preload adds backup tokens (from config or the environment), skipping
// duplicates and invalid entries. Returns how many were added.
func (p *Pool) Preload(tokens []string) int {
	p.mu.Lock()
	defer p.unlock()

	added := 0
	for _, tok := range tokens {
		if _, err := p.addLocked(tok, ""); err != nil {
			L_trace("credential: preload skipped", "error", err)
			continue
		}
		added++
	}
	if added > 0 {
		p.save()
	}
	return added
}

// Remove deletes a credential and keeps the selection on the same
// credential where possible.
func (p *Pool) Remove(id string) error {
	p.mu.Lock()
	defer p.unlock()

	i := p.index(id)
	if i < 0 {
		return ErrNotFound
	}
	removed := p.creds[i]
	p.creds = append(p.creds[:i], p.creds[i+1:]...)

	switch {
	case i < p.current:
		p.current--
	case p.current >= len(p.creds):
		p.current = 0
	}

	L_info("credential: removed", "id", removed.ID, "name", removed.Name, "remaining", len(p.creds))
	p.emit(EventRemoved, &removed, "")
	p.save()
	return nil
}

// Rename changes the display name of a credential.
func (p *Pool) Rename(id, name string) error {
	p.mu.Lock()
	defer p.unlock()

	i := p.index(id)
	if i < 0 {
		return ErrNotFound
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("name must not be empty")
	}
	p.creds[i].Name = name
	p.save()
	return nil
}

// SetActive selects a credential, resetting it to Active if it was not.
func (p *Pool) SetActive(id string) error {
	p.mu.Lock()
	defer p.unlock()

	i := p.index(id)
	if i < 0 {
		return ErrNotFound
	}
	if p.creds[i].Status != StatusActive {
		p.resetAt(i)
	}
	if i != p.current {
		from := ""
		if p.current < len(p.creds) {
			from = p.creds[p.current].Masked()
		}
		p.current = i
		c := p.creds[i]
		p.pending = append(p.pending, Event{Type: EventRotated, CredentialID: c.ID, Name: c.Name, Status: c.Status,
			From: from, To: c.Masked(), Reason: "manual selection", At: p.cfg.Now()})
	}
	p.save()
	return nil
}

// RotateToNext moves the selection to the next Active credential after the
// current one.
func (p *Pool) RotateToNext(reason string) RotationResult {
	p.mu.Lock()
	defer p.unlock()

	p.refresh()
	defer p.save()

	if len(p.creds) == 0 {
		return RotationResult{Reason: reason}
	}
	return p.advance(p.current, reason)
}

// NextAvailable returns the Active credential that would be selected after
// the current one, without moving the selection.
func (p *Pool) NextAvailable() (Credential, bool) {
	p.mu.Lock()
	defer p.unlock()

	if p.refresh() {
		p.save()
	}
	if len(p.creds) == 0 {
		return Credential{}, false
	}
	i := p.nextActive(p.current + 1)
	if i < 0 {
		return Credential{}, false
	}
	return p.creds[i], true
}

// HasAvailable reports whether any credential is Active.
func (p *Pool) HasAvailable() bool {
	p.mu.Lock()
	defer p.unlock()

	if p.refresh() {
		p.save()
	}
	return p.hasActive()
}

// List returns masked views in pool order.
func (p *Pool) List() []View {
	p.mu.Lock()
	defer p.unlock()

	if p.refresh() {
		p.save()
	}
	out := make([]View, len(p.creds))
	for i, c := range p.creds {
		out[i] = View{
			ID:                c.ID,
			Name:              c.Name,
			Masked:            c.Masked(),
			Status:            c.Status,
			ConsecutiveErrors: c.ConsecutiveErrors,
			CooldownUntil:     c.CooldownUntil,
			LastError:         c.LastError,
			Selected:          i == p.current,
		}
	}
	return out
}

// Stats counts credentials by status.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.unlock()

	if p.refresh() {
		p.save()
	}
	s := Stats{Total: len(p.creds)}
	for _, c := range p.creds {
		switch c.Status {
		case StatusActive:
			s.Active++
		case StatusCooldown:
			s.Cooldown++
		case StatusDisabled:
			s.Disabled++
		}
	}
	return s
}

// Find resolves a user reference: ID, exact token, name (case-insensitive)
// or 1-based position.
func (p *Pool) Find(ref string) (Credential, bool) {
	p.mu.Lock()
	defer p.unlock()

	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Credential{}, false
	}
	for _, c := range p.creds {
		if c.ID == ref || c.Token == ref {
			return c, true
		}
	}
	for _, c := range p.creds {
		if strings.EqualFold(c.Name, ref) {
			return c, true
		}
	}
	if n, err := strconv.Atoi(ref); err == nil && n >= 1 && n <= len(p.creds) {
		return p.creds[n-1], true
	}
	return Credential{}, false
}

// Len returns the number of credentials.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.unlock()
	return len(p.creds)
}
