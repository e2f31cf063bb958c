package luaengine

import (
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	lua "github.com/yuin/gopher-lua"
)

//go:embed lua/*.lua
var embeddedScripts embed.FS

// StrictEnv is the environment variable that turns script errors fatal.
const StrictEnv = "BOTSTER_LUA_STRICT"

// Sinks are the typed completion channels back into the hub event loop.
// Each sink enqueues its event; none of them may block.
type Sinks struct {
	// Submit enqueues a dataplane request.
	Submit func(*Request)

	// TimerFired enqueues a timer completion.
	TimerFired func(id int64)

	// HTTPDone enqueues an HTTP completion.
	HTTPDone func(*HTTPResponse)

	// WebSocket enqueues a websocket event.
	WebSocket func(*WebSocketEvent)

	// Watch enqueues a debounced file watch batch.
	Watch func(*WatchBatch)
}

// Options configures the runtime.
type Options struct {
	// Paths is the script search chain, highest priority first:
	// project root, per-user override, then the embedded defaults.
	Paths []string

	// Strict turns every script error into a fatal error.
	Strict bool

	// HubClientSender performs a blocking request on the command
	// channel, writing directly through the per-connection sender so it
	// cannot deadlock the event loop.
	HubClientSender func(payload []byte) ([]byte, error)

	// Host exposes read-only hub state queries. Implementations take the
	// hub state read lock; scripts never hold the write guard across a
	// callback return.
	Host Host

	Logger *slog.Logger
	Sinks  Sinks
}

// Host is the read-only state surface scripts may query synchronously.
type Host interface {
	// Scrollback returns a PTY's raw scrollback by agent and pty index.
	Scrollback(agentIndex, ptyIndex int) ([]byte, error)
}

// KeyAction is the mechanical action a script returns from handle_key.
type KeyAction struct {
	Action string
	Char   string
	Index  int
}

// callbackRef ties a registered Lua function to the module that registered
// it, so hot reload can drop exactly the stale registrations.
type callbackRef struct {
	fn     *lua.LFunction
	module string
}

// Runtime is the embedded Lua interpreter and its registries.
//
// All Lua execution is serialized by an internal mutex: the hub event loop
// and the TUI render path both enter through it, so scripts never run
// concurrently with themselves.
type Runtime struct {
	L      *lua.LState
	logger *slog.Logger
	strict bool
	sinks  Sinks

	paths           []string
	hubClientSender func(payload []byte) ([]byte, error)
	host            Host

	// currentModule is the module name being loaded, used to tag
	// registrations for hot reload.
	currentModule string

	// Script-registered callbacks.
	eventCallbacks map[string][]callbackRef
	observers      map[string][]callbackRef
	interceptors   map[string][]callbackRef

	webrtcOnPeerConnected    *lua.LFunction
	webrtcOnPeerDisconnected *lua.LFunction
	webrtcOnMessage          *lua.LFunction

	tuiOnConnected    *lua.LFunction
	tuiOnDisconnected *lua.LFunction
	tuiOnMessage      *lua.LFunction

	cableCallbacks     map[string]map[string]*lua.LFunction
	hubClientOnMessage *lua.LFunction
	socketCallbacks    map[int64]map[string]*lua.LFunction

	timers        map[int64]*timerEntry
	httpCallbacks map[int64]*lua.LFunction
	websockets    map[int64]*wsConn
	watchers      map[int64]*dirWatcher

	nextID atomic.Int64

	// ptyInputListening mirrors "any agent has a pending notification"
	// so the keystroke hot path is one boolean test.
	ptyInputListening atomic.Bool

	// Fast-path counters, one per hook table.
	observerCount    atomic.Int64
	interceptorCount atomic.Int64
	eventCount       atomic.Int64

	reloadWatcher *fsnotify.Watcher
	onReload      func()

	mu sync.Mutex
}

// New creates a runtime and registers all primitives. Scripts are not
// loaded until LoadScripts.
func New(opts Options) (*Runtime, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: false})

	r := &Runtime{
		L:               L,
		logger:          opts.Logger,
		strict:          opts.Strict || os.Getenv(StrictEnv) == "1",
		sinks:           opts.Sinks,
		paths:           opts.Paths,
		hubClientSender: opts.HubClientSender,
		host:            opts.Host,
		eventCallbacks:  make(map[string][]callbackRef),
		observers:       make(map[string][]callbackRef),
		interceptors:    make(map[string][]callbackRef),
		cableCallbacks:  make(map[string]map[string]*lua.LFunction),
		socketCallbacks: make(map[int64]map[string]*lua.LFunction),
		timers:          make(map[int64]*timerEntry),
		httpCallbacks:   make(map[int64]*lua.LFunction),
		websockets:      make(map[int64]*wsConn),
		watchers:        make(map[int64]*dirWatcher),
	}

	r.registerLog()
	r.registerEvents()
	r.registerHooks()
	r.registerTimer()
	r.registerHTTP()
	r.registerWebSocket()
	r.registerWatch()
	r.registerSocket()
	r.registerWebRTC()
	r.registerTUI()
	r.registerPty()
	r.registerHub()
	r.registerConnection()
	r.registerWorktree()
	r.registerActionCable()
	r.registerHubClient()
	r.registerUpdate()
	r.registerPush()

	return r, nil
}

// Close stops watchers, timers and the interpreter.
func (r *Runtime) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.reloadWatcher != nil {
		r.reloadWatcher.Close()
	}
	for _, t := range r.timers {
		t.stop()
	}
	for _, ws := range r.websockets {
		ws.close()
	}
	for _, w := range r.watchers {
		w.close()
	}
	r.L.Close()
}

// --- Script loading and hot reload ---

// LoadScripts executes every *.lua module found in the search chain. A
// module present in a higher-priority directory shadows lower copies.
// The embedded defaults are the final fallback.
func (r *Runtime) LoadScripts() error {
	modules, err := r.resolveModules()
	if err != nil {
		return err
	}

	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)

	// init runs last so it can reference everything else.
	sort.SliceStable(names, func(i, j int) bool {
		if names[i] == "init" {
			return false
		}
		if names[j] == "init" {
			return true
		}
		return names[i] < names[j]
	})

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range names {
		if err := r.execModuleLocked(name, modules[name]); err != nil {
			if r.strict {
				return fmt.Errorf("script %q failed: %w", name, err)
			}
			r.logger.Error("Script load failed", "module", name, "error", err)
		}
	}
	return nil
}

// resolveModules builds module name -> source, honoring the chain order.
func (r *Runtime) resolveModules() (map[string]string, error) {
	modules := make(map[string]string)

	// Embedded defaults first: real files shadow them.
	entries, err := embeddedScripts.ReadDir("lua")
	if err != nil {
		return nil, fmt.Errorf("embedded scripts unavailable: %w", err)
	}
	for _, e := range entries {
		data, err := embeddedScripts.ReadFile("lua/" + e.Name())
		if err != nil {
			continue
		}
		modules[moduleName(e.Name())] = string(data)
	}

	// Walk the chain lowest priority first so higher entries overwrite.
	for i := len(r.paths) - 1; i >= 0; i-- {
		dir := r.paths[i]
		files, err := filepath.Glob(filepath.Join(dir, "*.lua"))
		if err != nil {
			continue
		}
		for _, f := range files {
			data, err := os.ReadFile(f)
			if err != nil {
				r.logger.Warn("Unreadable script", "path", f, "error", err)
				continue
			}
			modules[moduleName(filepath.Base(f))] = string(data)
		}
	}

	return modules, nil
}

// execModuleLocked runs one module's source, tagging registrations with the
// module name. Callers hold r.mu.
func (r *Runtime) execModuleLocked(name, source string) error {
	prev := r.currentModule
	r.currentModule = name
	defer func() { r.currentModule = prev }()

	return r.L.DoString(source)
}

// WatchForChanges starts the hot-reload watcher over the user-writable
// script directories. onReload runs after any successful reload (the TUI
// uses it to mark itself dirty).
func (r *Runtime) WatchForChanges(onReload func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create reload watcher: %w", err)
	}

	watched := 0
	for _, dir := range r.paths {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			if err := watcher.Add(dir); err == nil {
				watched++
			}
		}
	}
	if watched == 0 {
		watcher.Close()
		return nil
	}

	r.reloadWatcher = watcher
	r.onReload = onReload

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Ext(ev.Name) != ".lua" {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				r.reloadModule(ev.Name)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("Reload watcher error", "error", err)
			}
		}
	}()

	return nil
}

// reloadModule re-executes one changed module in place. Registrations made
// by the module's previous load are dropped first; callbacks registered by
// other modules are preserved.
func (r *Runtime) reloadModule(path string) {
	name := moduleName(filepath.Base(path))

	// The edited file may be shadowed by a higher-priority copy; resolve
	// the chain again so the effective source wins.
	modules, err := r.resolveModules()
	if err != nil {
		r.logger.Error("Reload resolve failed", "error", err)
		return
	}
	source, ok := modules[name]
	if !ok {
		return
	}

	r.mu.Lock()
	r.dropModuleRegistrationsLocked(name)
	err = r.execModuleLocked(name, source)
	r.mu.Unlock()

	if err != nil {
		if r.strict {
			r.logger.Error("Script reload failed (strict)", "module", name, "error", err)
			panic(fmt.Sprintf("script %q failed: %v", name, err))
		}
		r.logger.Error("Script reload failed", "module", name, "error", err)
		return
	}

	r.logger.Info("Script reloaded", "module", name)
	if r.onReload != nil {
		r.onReload()
	}
}

// dropModuleRegistrationsLocked removes event/hook registrations tagged
// with a module. Cable subscriptions are deliberately NOT re-created: a
// reloaded script must call action_cable.subscribe again itself.
func (r *Runtime) dropModuleRegistrationsLocked(module string) {
	for name, refs := range r.eventCallbacks {
		kept := refs[:0]
		for _, ref := range refs {
			if ref.module != module {
				kept = append(kept, ref)
			} else {
				r.eventCount.Add(-1)
			}
		}
		r.eventCallbacks[name] = kept
	}
	for name, refs := range r.observers {
		kept := refs[:0]
		for _, ref := range refs {
			if ref.module != module {
				kept = append(kept, ref)
			} else {
				r.observerCount.Add(-1)
			}
		}
		r.observers[name] = kept
	}
	for name, refs := range r.interceptors {
		kept := refs[:0]
		for _, ref := range refs {
			if ref.module != module {
				kept = append(kept, ref)
			} else {
				r.interceptorCount.Add(-1)
			}
		}
		r.interceptors[name] = kept
	}
}

// moduleName strips the .lua extension.
func moduleName(file string) string {
	return file[:len(file)-len(filepath.Ext(file))]
}

// --- Error policy ---

// protectedCall invokes a Lua function under the runtime error policy:
// strict mode propagates (and ultimately terminates the process); otherwise
// the error is logged with the callback name and skipped.
func (r *Runtime) protectedCall(name string, fn *lua.LFunction, nret int, args ...lua.LValue) ([]lua.LValue, bool) {
	err := r.L.CallByParam(lua.P{Fn: fn, NRet: nret, Protect: true}, args...)
	if err != nil {
		if r.strict {
			panic(fmt.Sprintf("script callback %q failed: %v", name, err))
		}
		r.logger.Error("Script callback failed", "callback", name, "error", err)
		return nil, false
	}

	rets := make([]lua.LValue, 0, nret)
	for i := 0; i < nret; i++ {
		rets = append(rets, r.L.Get(-nret+i))
	}
	r.L.Pop(nret)
	return rets, true
}

// --- Fast-path predicates ---

// HasObservers reports whether any observer is registered for name.
func (r *Runtime) HasObservers(name string) bool {
	if r.observerCount.Load() == 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.observers[name]) > 0
}

// HasInterceptors reports whether any interceptor is registered for name.
func (r *Runtime) HasInterceptors(name string) bool {
	if r.interceptorCount.Load() == 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.interceptors[name]) > 0
}

// HasEventCallbacks reports whether any events.on callback exists for name.
func (r *Runtime) HasEventCallbacks(name string) bool {
	if r.eventCount.Load() == 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.eventCallbacks[name]) > 0
}

// PtyInputListening mirrors "any agent has a pending notification".
func (r *Runtime) PtyInputListening() bool {
	return r.ptyInputListening.Load()
}

// SetPtyInputListening updates the keystroke fast-path flag.
func (r *Runtime) SetPtyInputListening(v bool) {
	r.ptyInputListening.Store(v)
}

// --- Dispatch API (called from the hub event loop) ---

// EmitEvent fires every events.on callback for a semantic hub event.
func (r *Runtime) EmitEvent(name string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	refs := r.eventCallbacks[name]
	if len(refs) == 0 {
		return
	}
	arg := goToLua(r.L, payload)
	for _, ref := range refs {
		r.protectedCall("events."+name, ref.fn, 0, arg)
	}
}

// NotifyHook fires observers for a hook. Fire-and-forget.
func (r *Runtime) NotifyHook(name string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	refs := r.observers[name]
	if len(refs) == 0 {
		return
	}
	arg := goToLua(r.L, payload)
	for _, ref := range refs {
		r.protectedCall("hooks."+name, ref.fn, 0, arg)
	}
}

// CallHook runs interceptors for a hook in registration order. Each
// interceptor may transform the payload (by returning a new value) or drop
// it (by returning false). Returns the final payload and whether the chain
// dropped it.
func (r *Runtime) CallHook(name string, payload any) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	refs := r.interceptors[name]
	if len(refs) == 0 {
		return payload, false
	}

	current := goToLua(r.L, payload)
	for _, ref := range refs {
		rets, ok := r.protectedCall("hooks."+name, ref.fn, 1, current)
		if !ok {
			continue
		}
		ret := rets[0]
		if ret == lua.LFalse {
			return nil, true
		}
		if ret != lua.LNil && ret != lua.LTrue {
			current = ret
		}
	}
	return luaToGo(current), false
}

// PeerConnected fires the webrtc on_peer_connected callback.
func (r *Runtime) PeerConnected(peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.webrtcOnPeerConnected != nil {
		r.protectedCall("webrtc.on_peer_connected", r.webrtcOnPeerConnected, 0, lua.LString(peer))
	}
}

// PeerDisconnected fires the webrtc on_peer_disconnected callback.
func (r *Runtime) PeerDisconnected(peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.webrtcOnPeerDisconnected != nil {
		r.protectedCall("webrtc.on_peer_disconnected", r.webrtcOnPeerDisconnected, 0, lua.LString(peer))
	}
}

// PeerMessage fires the webrtc on_message callback with a decrypted frame.
func (r *Runtime) PeerMessage(peer string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.webrtcOnMessage != nil {
		r.protectedCall("webrtc.on_message", r.webrtcOnMessage, 0,
			lua.LString(peer), jsonToLua(r.L, data))
	}
}

// TuiConnected fires the tui on_connected callback.
func (r *Runtime) TuiConnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tuiOnConnected != nil {
		r.protectedCall("tui.on_connected", r.tuiOnConnected, 0)
	}
}

// TuiDisconnected fires the tui on_disconnected callback.
func (r *Runtime) TuiDisconnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tuiOnDisconnected != nil {
		r.protectedCall("tui.on_disconnected", r.tuiOnDisconnected, 0)
	}
}

// TuiMessage fires the tui on_message callback with a TUI request frame.
func (r *Runtime) TuiMessage(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tuiOnMessage != nil {
		r.protectedCall("tui.on_message", r.tuiOnMessage, 0, jsonToLua(r.L, data))
	}
}

// CableMessage dispatches an ActionCable message to a subscribed channel's
// callback table.
func (r *Runtime) CableMessage(channel, event string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cbs, ok := r.cableCallbacks[channel]
	if !ok {
		return
	}
	if fn, ok := cbs[event]; ok && fn != nil {
		r.protectedCall("action_cable."+channel+"."+event, fn, 0, jsonToLua(r.L, data))
	}
}

// HubClientMessage dispatches a command channel message to hub_client.on_message.
func (r *Runtime) HubClientMessage(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hubClientOnMessage != nil {
		r.protectedCall("hub_client.on_message", r.hubClientOnMessage, 0, jsonToLua(r.L, data))
	}
}

// FireTimer runs a timer's callback; one-shots auto-unregister.
func (r *Runtime) FireTimer(id int64) {
	r.mu.Lock()
	entry, ok := r.timers[id]
	if ok && !entry.recurring {
		delete(r.timers, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	r.mu.Lock()
	r.protectedCall("timer", entry.fn, 0)
	r.mu.Unlock()
}

// CompleteHTTP runs the callback for a finished http.request.
func (r *Runtime) CompleteHTTP(resp *HTTPResponse) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fn, ok := r.httpCallbacks[resp.ID]
	if !ok {
		return
	}
	delete(r.httpCallbacks, resp.ID)

	result := map[string]any{
		"status": resp.Status,
		"body":   string(resp.Body),
	}
	if resp.Err != "" {
		result["error"] = resp.Err
	}
	if len(resp.Headers) > 0 {
		headers := make(map[string]any, len(resp.Headers))
		for k, v := range resp.Headers {
			headers[k] = v
		}
		result["headers"] = headers
	}
	r.protectedCall("http.request", fn, 0, goToLua(r.L, result))
}

// DispatchWebSocket runs the callbacks for a websocket event.
func (r *Runtime) DispatchWebSocket(ev *WebSocketEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ws, ok := r.websockets[ev.ID]
	if !ok {
		return
	}

	switch ev.Kind {
	case WsConnected:
		if ws.onConnected != nil {
			r.protectedCall("websocket.on_connected", ws.onConnected, 0)
		}
	case WsMessage:
		if ws.onMessage != nil {
			r.protectedCall("websocket.on_message", ws.onMessage, 0, jsonToLua(r.L, ev.Data))
		}
	case WsClosed:
		if ws.onClosed != nil {
			r.protectedCall("websocket.on_closed", ws.onClosed, 0, lua.LString(ev.Err))
		}
		delete(r.websockets, ev.ID)
	case WsError:
		if ws.onError != nil {
			r.protectedCall("websocket.on_error", ws.onError, 0, lua.LString(ev.Err))
		}
	}
}

// DispatchWatch runs the callback for a debounced watch batch.
func (r *Runtime) DispatchWatch(batch *WatchBatch) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.watchers[batch.ID]
	if !ok || w.onChange == nil {
		return
	}

	paths := make([]any, len(batch.Paths))
	for i, p := range batch.Paths {
		paths[i] = p
	}
	r.protectedCall("watch.on_change", w.onChange, 0, goToLua(r.L, paths))
}

// DispatchSocket runs the callbacks for a Unix socket event.
func (r *Runtime) DispatchSocket(ev *SocketEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cbs, ok := r.socketCallbacks[ev.ID]
	if !ok {
		return
	}

	switch ev.Kind {
	case SocketClientConnected:
		if fn := cbs["on_client_connected"]; fn != nil {
			r.protectedCall("socket.on_client_connected", fn, 0, lua.LNumber(ev.ClientID))
		}
	case SocketClientMessage:
		if fn := cbs["on_message"]; fn != nil {
			r.protectedCall("socket.on_message", fn, 0,
				lua.LNumber(ev.ClientID), jsonToLua(r.L, ev.Data))
		}
	case SocketClientDisconnected:
		if fn := cbs["on_client_disconnected"]; fn != nil {
			r.protectedCall("socket.on_client_disconnected", fn, 0, lua.LNumber(ev.ClientID))
		}
	}
}

// --- TUI-facing entry points (called from the TUI thread) ---

// CallRender invokes the script render(state) function and returns the
// render tree as a JSON-shaped Go value.
func (r *Runtime) CallRender(state any) (any, bool) {
	return r.callRenderFn("render", state)
}

// CallRenderOverlay invokes render_overlay(state).
func (r *Runtime) CallRenderOverlay(state any) (any, bool) {
	return r.callRenderFn("render_overlay", state)
}

func (r *Runtime) callRenderFn(name string, state any) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fn, ok := r.L.GetGlobal(name).(*lua.LFunction)
	if !ok {
		return nil, false
	}
	rets, ok := r.protectedCall(name, fn, 1, goToLua(r.L, state))
	if !ok || rets[0] == lua.LNil {
		return nil, false
	}
	return luaToGo(rets[0]), true
}

// CallHandleKey invokes handle_key(descriptor, mode, context). Returns nil
// when the script declined the key.
func (r *Runtime) CallHandleKey(descriptor, mode string, ctx any) *KeyAction {
	r.mu.Lock()
	defer r.mu.Unlock()

	fn, ok := r.L.GetGlobal("handle_key").(*lua.LFunction)
	if !ok {
		return nil
	}
	rets, ok := r.protectedCall("handle_key", fn, 1,
		lua.LString(descriptor), lua.LString(mode), goToLua(r.L, ctx))
	if !ok || rets[0] == lua.LNil {
		return nil
	}

	table, ok := rets[0].(*lua.LTable)
	if !ok {
		return nil
	}
	action := &KeyAction{}
	if v := table.RawGetString("action"); v != lua.LNil {
		action.Action = v.String()
	}
	if v := table.RawGetString("char"); v != lua.LNil {
		action.Char = v.String()
	}
	if v, ok := table.RawGetString("index").(lua.LNumber); ok {
		action.Index = int(v)
	}
	if action.Action == "" {
		return nil
	}
	return action
}

// CallOnAction invokes on_action(name, ctx) and returns the sequence of op
// records (JSON-shaped maps) for the TUI to execute.
func (r *Runtime) CallOnAction(name string, ctx any) []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	fn, ok := r.L.GetGlobal("on_action").(*lua.LFunction)
	if !ok {
		return nil
	}
	rets, ok := r.protectedCall("on_action", fn, 1, lua.LString(name), goToLua(r.L, ctx))
	if !ok || rets[0] == lua.LNil {
		return nil
	}

	raw, ok := luaToGo(rets[0]).([]any)
	if !ok {
		return nil
	}
	ops := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			ops = append(ops, m)
		}
	}
	return ops
}
