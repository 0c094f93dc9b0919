// Package capability holds the handlers the router dispatches to.
//
// Each handler owns one intent and may run a short multi-turn flow, keeping
// its progress in session slots and the pending action. The handlers stay
// thin: clinic rules live in the backend, and handlers only collect the
// fields it needs and relay its answers. Replies are markdown; the
// messaging client renders them for WhatsApp.
//
// Menu is the fallback handler. It needs no reasoning engine: it resumes an
// open flow, maps menu numbers and keyword hits onto the other handlers, and
// otherwise shows the menu.
package capability
