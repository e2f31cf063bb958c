package luaengine

// Non-blocking I/O primitives. Each call registers a callback, spawns the
// work on a goroutine, and delivers completion back through the hub event
// loop via the configured sinks - scripts never block the loop on I/O.

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
	"github.com/gorilla/websocket"
	"github.com/romdo/go-debounce"
	lua "github.com/yuin/gopher-lua"
)

// DefaultHTTPTimeout is the per-request deadline when a script does not
// set one.
const DefaultHTTPTimeout = 10 * time.Second

// WatchDebounce is the settle window for watch.directory batches.
const WatchDebounce = 200 * time.Millisecond

// --- timer ---

type timerEntry struct {
	fn        *lua.LFunction
	recurring bool
	cancel    chan struct{}
	once      sync.Once
}

func (t *timerEntry) stop() {
	t.once.Do(func() { close(t.cancel) })
}

// registerTimer wires timer.after(ms, fn) and timer.every(ms, fn).
// Timers fire through the event loop as TimerFired events; one-shots
// auto-unregister when fired.
func (r *Runtime) registerTimer() {
	r.setModule("timer", map[string]lua.LGFunction{
		"after": func(L *lua.LState) int {
			L.Push(lua.LNumber(r.startTimer(L.CheckInt64(1), L.CheckFunction(2), false)))
			return 1
		},
		"every": func(L *lua.LState) int {
			L.Push(lua.LNumber(r.startTimer(L.CheckInt64(1), L.CheckFunction(2), true)))
			return 1
		},
		"cancel": func(L *lua.LState) int {
			id := L.CheckInt64(1)
			if entry, ok := r.timers[id]; ok {
				entry.stop()
				delete(r.timers, id)
			}
			return 0
		},
	})
}

func (r *Runtime) startTimer(ms int64, fn *lua.LFunction, recurring bool) int64 {
	id := r.nextID.Add(1)
	entry := &timerEntry{fn: fn, recurring: recurring, cancel: make(chan struct{})}
	r.timers[id] = entry

	interval := time.Duration(ms) * time.Millisecond
	go func() {
		if recurring {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					r.sinks.TimerFired(id)
				case <-entry.cancel:
					return
				}
			}
		}

		select {
		case <-time.After(interval):
			r.sinks.TimerFired(id)
		case <-entry.cancel:
		}
	}()

	return id
}

// --- http ---

// registerHTTP wires http.request(opts, fn). The request runs on a
// goroutine with a per-request deadline (default 10s); the completion is
// delivered as an HttpResponse event.
func (r *Runtime) registerHTTP() {
	r.setModule("http", map[string]lua.LGFunction{
		"request": func(L *lua.LState) int {
			opts := L.CheckTable(1)
			fn := L.CheckFunction(2)

			url := stringField(opts, "url")
			if url == "" {
				L.RaiseError("http.request: missing url")
				return 0
			}
			method := stringField(opts, "method")
			if method == "" {
				method = http.MethodGet
			}
			body := stringField(opts, "body")
			timeout := DefaultHTTPTimeout
			if ms := intField(opts, "timeout_ms"); ms > 0 {
				timeout = time.Duration(ms) * time.Millisecond
			}
			headers := make(map[string]string)
			if h, ok := opts.RawGetString("headers").(*lua.LTable); ok {
				h.ForEach(func(k, v lua.LValue) {
					headers[k.String()] = v.String()
				})
			}

			id := r.nextID.Add(1)
			r.httpCallbacks[id] = fn

			go r.doHTTPRequest(id, method, url, body, headers, timeout)

			L.Push(lua.LNumber(id))
			return 1
		},
	})
}

func (r *Runtime) doHTTPRequest(id int64, method, url, body string, headers map[string]string, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	fail := func(err error) {
		r.sinks.HTTPDone(&HTTPResponse{ID: id, Err: err.Error()})
	}

	var reqBody *bytes.Reader
	if body != "" {
		reqBody = bytes.NewReader([]byte(body))
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		fail(err)
		return
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fail(err)
		return
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		fail(err)
		return
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	r.sinks.HTTPDone(&HTTPResponse{
		ID:      id,
		Status:  resp.StatusCode,
		Body:    buf.Bytes(),
		Headers: respHeaders,
	})
}

// --- websocket ---

type wsConn struct {
	conn    *websocket.Conn
	sendCh  chan []byte
	closeCh chan struct{}
	once    sync.Once

	onConnected *lua.LFunction
	onMessage   *lua.LFunction
	onClosed    *lua.LFunction
	onError     *lua.LFunction
}

func (w *wsConn) close() {
	w.once.Do(func() { close(w.closeCh) })
}

// registerWebSocket wires websocket.connect(url, cbs). Events are
// delivered through the loop as WebSocketEvent; the returned handle has
// send and close.
func (r *Runtime) registerWebSocket() {
	r.setModule("websocket", map[string]lua.LGFunction{
		"connect": func(L *lua.LState) int {
			url := L.CheckString(1)
			cbs := L.CheckTable(2)

			ws := &wsConn{
				sendCh:  make(chan []byte, 64),
				closeCh: make(chan struct{}),
			}
			if fn, ok := cbs.RawGetString("on_connected").(*lua.LFunction); ok {
				ws.onConnected = fn
			}
			if fn, ok := cbs.RawGetString("on_message").(*lua.LFunction); ok {
				ws.onMessage = fn
			}
			if fn, ok := cbs.RawGetString("on_closed").(*lua.LFunction); ok {
				ws.onClosed = fn
			}
			if fn, ok := cbs.RawGetString("on_error").(*lua.LFunction); ok {
				ws.onError = fn
			}

			id := r.nextID.Add(1)
			r.websockets[id] = ws

			go r.runWebSocket(id, url, ws)

			handle := L.NewTable()
			L.SetFuncs(handle, map[string]lua.LGFunction{
				"send": func(L *lua.LState) int {
					payload, err := luaToJSON(L.Get(1))
					if err != nil {
						L.RaiseError("websocket send: unserializable payload: %v", err)
						return 0
					}
					select {
					case ws.sendCh <- payload:
					default:
						// Send queue full; frame dropped.
					}
					return 0
				},
				"close": func(L *lua.LState) int {
					ws.close()
					return 0
				},
			})
			L.Push(handle)
			return 1
		},
	})
}

func (r *Runtime) runWebSocket(id int64, url string, ws *wsConn) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		r.sinks.WebSocket(&WebSocketEvent{ID: id, Kind: WsClosed, Err: err.Error()})
		return
	}
	ws.conn = conn
	r.sinks.WebSocket(&WebSocketEvent{ID: id, Kind: WsConnected})

	// Writer drains the send queue until close.
	go func() {
		for {
			select {
			case payload := <-ws.sendCh:
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					r.sinks.WebSocket(&WebSocketEvent{ID: id, Kind: WsError, Err: err.Error()})
					return
				}
			case <-ws.closeCh:
				conn.Close()
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			ws.close()
			r.sinks.WebSocket(&WebSocketEvent{ID: id, Kind: WsClosed, Err: err.Error()})
			return
		}
		r.sinks.WebSocket(&WebSocketEvent{ID: id, Kind: WsMessage, Data: data})
	}
}

// --- watch ---

type dirWatcher struct {
	watcher  *fsnotify.Watcher
	onChange *lua.LFunction
	closeCh  chan struct{}
	once     sync.Once
}

func (w *dirWatcher) close() {
	w.once.Do(func() {
		close(w.closeCh)
		w.watcher.Close()
	})
}

// registerWatch wires watch.directory(path, cbs). Events are debounced and
// delivered as UserFileWatch batches; an optional glob pattern filters
// paths.
func (r *Runtime) registerWatch() {
	r.setModule("watch", map[string]lua.LGFunction{
		"directory": func(L *lua.LState) int {
			path := L.CheckString(1)
			cbs := L.CheckTable(2)

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				L.Push(lua.LNil)
				L.Push(lua.LString(err.Error()))
				return 2
			}
			if err := watcher.Add(path); err != nil {
				watcher.Close()
				L.Push(lua.LNil)
				L.Push(lua.LString(err.Error()))
				return 2
			}

			var matcher glob.Glob
			if pattern := stringField(cbs, "pattern"); pattern != "" {
				if g, err := glob.Compile(pattern); err == nil {
					matcher = g
				}
			}

			w := &dirWatcher{watcher: watcher, closeCh: make(chan struct{})}
			if fn, ok := cbs.RawGetString("on_change").(*lua.LFunction); ok {
				w.onChange = fn
			}

			id := r.nextID.Add(1)
			r.watchers[id] = w

			go r.runWatcher(id, w, matcher)

			handle := L.NewTable()
			L.SetFuncs(handle, map[string]lua.LGFunction{
				"close": func(L *lua.LState) int {
					w.close()
					return 0
				},
			})
			L.Push(handle)
			return 1
		},
	})
}

func (r *Runtime) runWatcher(id int64, w *dirWatcher, matcher glob.Glob) {
	var pending []string
	var mu sync.Mutex

	flush, _ := debounce.New(WatchDebounce, func() {
		mu.Lock()
		batch := pending
		pending = nil
		mu.Unlock()

		if len(batch) == 0 {
			return
		}
		r.sinks.Watch(&WatchBatch{ID: id, Paths: batch})
	})

	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if matcher != nil && !matcher.Match(filepath.Base(ev.Name)) {
				continue
			}
			mu.Lock()
			seen := false
			for _, p := range pending {
				if p == ev.Name {
					seen = true
					break
				}
			}
			if !seen {
				pending = append(pending, ev.Name)
			}
			mu.Unlock()
			flush()

		case <-w.watcher.Errors:
			// Watcher errors are transient; keep going.

		case <-w.closeCh:
			return
		}
	}
}

// --- socket ---

// registerSocket wires socket.listen(path, cbs) - Unix domain socket IPC
// for external tools. Events re-enter the loop as socket requests.
func (r *Runtime) registerSocket() {
	r.setModule("socket", map[string]lua.LGFunction{
		"listen": func(L *lua.LState) int {
			path := L.CheckString(1)
			cbs := L.CheckTable(2)

			// Stale socket files from a crashed run block rebinding.
			os.Remove(path)

			listener, err := net.Listen("unix", path)
			if err != nil {
				L.Push(lua.LNil)
				L.Push(lua.LString(err.Error()))
				return 2
			}

			id := r.nextID.Add(1)
			registered := make(map[string]*lua.LFunction)
			cbs.ForEach(func(k, v lua.LValue) {
				if fn, ok := v.(*lua.LFunction); ok {
					registered[k.String()] = fn
				}
			})
			r.socketCallbacks[id] = registered

			go r.runSocketListener(id, listener)

			handle := L.NewTable()
			L.SetFuncs(handle, map[string]lua.LGFunction{
				"close": func(L *lua.LState) int {
					listener.Close()
					return 0
				},
			})
			L.Push(handle)
			return 1
		},
	})
}

func (r *Runtime) runSocketListener(id int64, listener net.Listener) {
	var nextClient int64

	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}

		nextClient++
		clientID := nextClient
		r.sinks.Submit(&Request{Kind: ReqSocketEvent, Socket: &SocketEvent{
			ID:       id,
			Kind:     SocketClientConnected,
			ClientID: clientID,
		}})

		go func(conn net.Conn, clientID int64) {
			defer conn.Close()

			buf := make([]byte, 64*1024)
			for {
				n, err := conn.Read(buf)
				if n > 0 {
					data := make([]byte, n)
					copy(data, buf[:n])
					r.sinks.Submit(&Request{Kind: ReqSocketEvent, Socket: &SocketEvent{
						ID:       id,
						Kind:     SocketClientMessage,
						ClientID: clientID,
						Data:     data,
					}})
				}
				if err != nil {
					r.sinks.Submit(&Request{Kind: ReqSocketEvent, Socket: &SocketEvent{
						ID:       id,
						Kind:     SocketClientDisconnected,
						ClientID: clientID,
					}})
					return
				}
			}
		}(conn, clientID)
	}
}
