package browser

import "sync"

// SessionHandle owns the single live browser and page. Every replacement of
// the pair increments the generation, so code holding an older generation can
// detect that its page was swapped out underneath it.
type SessionHandle struct {
	mu         sync.RWMutex
	browser    Browser
	page       Page
	generation uint64
}

// NewSessionHandle returns an empty handle at generation 0.
func NewSessionHandle() *SessionHandle {
	return &SessionHandle{}
}

// Swap installs a new browser and page, returning the previous pair and the
// new generation.
func (h *SessionHandle) Swap(b Browser, p Page) (oldBrowser Browser, oldPage Page, gen uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	oldBrowser, oldPage = h.browser, h.page
	h.browser, h.page = b, p
	h.generation++
	return oldBrowser, oldPage, h.generation
}

// Clear removes the current pair and returns it. The generation advances so
// that any in-flight holder sees its page as stale.
func (h *SessionHandle) Clear() (Browser, Page) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, p := h.browser, h.page
	h.browser, h.page = nil, nil
	if b != nil || p != nil {
		h.generation++
	}
	return b, p
}

// Current returns the live page and its generation, or ErrNotReady.
func (h *SessionHandle) Current() (Page, uint64, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.page == nil {
		return nil, h.generation, NewError(KindNotReady, "session", nil)
	}
	return h.page, h.generation, nil
}

// Browser returns the live browser, or nil.
func (h *SessionHandle) Browser() Browser {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.browser
}

// Generation returns the current generation.
func (h *SessionHandle) Generation() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.generation
}

// Valid reports whether gen is still the current generation and a page exists.
func (h *SessionHandle) Valid(gen uint64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.page != nil && h.generation == gen
}

// Ready reports whether a page is installed.
func (h *SessionHandle) Ready() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.page != nil
}
