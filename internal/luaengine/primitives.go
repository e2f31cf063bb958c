package luaengine

// Primitive registration. Every function registered here is invoked while
// the Lua entry point holds r.mu, so primitives access the registries
// directly and must never re-lock.

import (
	lua "github.com/yuin/gopher-lua"
)

// setModule installs a table of functions as a global module.
func (r *Runtime) setModule(name string, fns map[string]lua.LGFunction) *lua.LTable {
	table := r.L.NewTable()
	r.L.SetFuncs(table, fns)
	r.L.SetGlobal(name, table)
	return table
}

// registerLog wires log.{debug,info,warn,error} to the hub's log sink.
func (r *Runtime) registerLog() {
	r.setModule("log", map[string]lua.LGFunction{
		"debug": func(L *lua.LState) int {
			r.logger.Debug(L.CheckString(1), "source", "lua")
			return 0
		},
		"info": func(L *lua.LState) int {
			r.logger.Info(L.CheckString(1), "source", "lua")
			return 0
		},
		"warn": func(L *lua.LState) int {
			r.logger.Warn(L.CheckString(1), "source", "lua")
			return 0
		},
		"error": func(L *lua.LState) int {
			r.logger.Error(L.CheckString(1), "source", "lua")
			return 0
		},
	})
}

// registerEvents wires events.on(name, fn) for semantic hub events:
// agent_created, agent_deleted, pty_notification, connection_code_ready,
// connection_code_error, shutdown, plus the raw _pty_* hooks.
func (r *Runtime) registerEvents() {
	r.setModule("events", map[string]lua.LGFunction{
		"on": func(L *lua.LState) int {
			name := L.CheckString(1)
			fn := L.CheckFunction(2)
			r.eventCallbacks[name] = append(r.eventCallbacks[name], callbackRef{
				fn:     fn,
				module: r.currentModule,
			})
			r.eventCount.Add(1)
			return 0
		},
	})
}

// registerHooks wires the two-tier hook API. Observers are fire-and-forget;
// interceptors run synchronously and may transform or drop data.
func (r *Runtime) registerHooks() {
	r.setModule("hooks", map[string]lua.LGFunction{
		"notify": func(L *lua.LState) int {
			name := L.CheckString(1)
			fn := L.CheckFunction(2)
			r.observers[name] = append(r.observers[name], callbackRef{
				fn:     fn,
				module: r.currentModule,
			})
			r.observerCount.Add(1)
			return 0
		},
		"call": func(L *lua.LState) int {
			name := L.CheckString(1)
			fn := L.CheckFunction(2)
			r.interceptors[name] = append(r.interceptors[name], callbackRef{
				fn:     fn,
				module: r.currentModule,
			})
			r.interceptorCount.Add(1)
			return 0
		},
		"has_observers": func(L *lua.LState) int {
			name := L.CheckString(1)
			L.Push(lua.LBool(len(r.observers[name]) > 0))
			return 1
		},
		"has_interceptors": func(L *lua.LState) int {
			name := L.CheckString(1)
			L.Push(lua.LBool(len(r.interceptors[name]) > 0))
			return 1
		},
	})
}

// registerWebRTC wires the browser peer primitives.
func (r *Runtime) registerWebRTC() {
	r.setModule("webrtc", map[string]lua.LGFunction{
		"on_peer_connected": func(L *lua.LState) int {
			r.webrtcOnPeerConnected = L.CheckFunction(1)
			return 0
		},
		"on_peer_disconnected": func(L *lua.LState) int {
			r.webrtcOnPeerDisconnected = L.CheckFunction(1)
			return 0
		},
		"on_message": func(L *lua.LState) int {
			r.webrtcOnMessage = L.CheckFunction(1)
			return 0
		},
		"send": func(L *lua.LState) int {
			peer := L.CheckString(1)
			payload, err := luaToJSON(L.Get(2))
			if err != nil {
				L.RaiseError("webrtc.send: unserializable payload: %v", err)
				return 0
			}
			r.sinks.Submit(&Request{Kind: ReqWebRtcSend, Peer: peer, JSON: payload})
			return 0
		},
		"create_pty_forwarder": func(L *lua.LState) int {
			opts := L.CheckTable(1)
			req := &Request{
				Kind:       ReqWebRtcForwarder,
				Peer:       stringField(opts, "peer_id"),
				AgentIndex: intField(opts, "agent_index"),
				PtyIndex:   intField(opts, "pty_index"),
				Prefix:     0x01,
			}
			req.SubscriptionID = stringField(opts, "subscription_id")
			if p := opts.RawGetString("prefix"); p != lua.LNil {
				if n, ok := p.(lua.LNumber); ok {
					req.Prefix = byte(n)
				}
			}
			req.Active = newActiveFlag()
			r.sinks.Submit(req)

			L.Push(r.forwarderHandle(req.Peer, req.SubscriptionID, req.Active))
			return 1
		},
	})
}

// forwarderHandle builds the {is_active, stop} handle returned by
// create_pty_forwarder.
func (r *Runtime) forwarderHandle(peer, subscriptionID string, active *ActiveFlag) *lua.LTable {
	handle := r.L.NewTable()
	r.L.SetFuncs(handle, map[string]lua.LGFunction{
		"is_active": func(L *lua.LState) int {
			L.Push(lua.LBool(active.Load()))
			return 1
		},
		"stop": func(L *lua.LState) int {
			r.sinks.Submit(&Request{
				Kind:           ReqWebRtcForwarderStop,
				Peer:           peer,
				SubscriptionID: subscriptionID,
			})
			active.Store(false)
			return 0
		},
	})
	return handle
}

// registerTUI wires the local TUI primitives - identical shape to webrtc,
// directed at the local terminal UI instead of a browser.
func (r *Runtime) registerTUI() {
	r.setModule("tui", map[string]lua.LGFunction{
		"on_connected": func(L *lua.LState) int {
			r.tuiOnConnected = L.CheckFunction(1)
			return 0
		},
		"on_disconnected": func(L *lua.LState) int {
			r.tuiOnDisconnected = L.CheckFunction(1)
			return 0
		},
		"on_message": func(L *lua.LState) int {
			r.tuiOnMessage = L.CheckFunction(1)
			return 0
		},
		"send": func(L *lua.LState) int {
			payload, err := luaToJSON(L.Get(1))
			if err != nil {
				L.RaiseError("tui.send: unserializable payload: %v", err)
				return 0
			}
			r.sinks.Submit(&Request{Kind: ReqTuiSend, JSON: payload})
			return 0
		},
	})
}

// registerPty wires PTY access, proxied through the event loop except for
// the read-only scrollback query which goes through the host's state lock.
func (r *Runtime) registerPty() {
	r.setModule("pty", map[string]lua.LGFunction{
		"write": func(L *lua.LState) int {
			r.sinks.Submit(&Request{
				Kind:       ReqPtyWrite,
				AgentIndex: L.CheckInt(1),
				PtyIndex:   L.CheckInt(2),
				Data:       []byte(L.CheckString(3)),
			})
			return 0
		},
		"resize": func(L *lua.LState) int {
			r.sinks.Submit(&Request{
				Kind:       ReqPtyResize,
				AgentIndex: L.CheckInt(1),
				PtyIndex:   L.CheckInt(2),
				Cols:       uint16(L.CheckInt(3)),
				Rows:       uint16(L.CheckInt(4)),
			})
			return 0
		},
		"get_scrollback": func(L *lua.LState) int {
			if r.host == nil {
				L.Push(lua.LNil)
				return 1
			}
			data, err := r.host.Scrollback(L.CheckInt(1), L.CheckInt(2))
			if err != nil {
				L.Push(lua.LNil)
				return 1
			}
			L.Push(lua.LString(data))
			return 1
		},
	})
}

// registerHub wires hub control primitives.
func (r *Runtime) registerHub() {
	r.setModule("hub", map[string]lua.LGFunction{
		"write_pty": func(L *lua.LState) int {
			r.sinks.Submit(&Request{
				Kind:       ReqPtyWrite,
				AgentIndex: L.CheckInt(1),
				PtyIndex:   L.CheckInt(2),
				Data:       []byte(L.CheckString(3)),
			})
			return 0
		},
		"resize_pty": func(L *lua.LState) int {
			r.sinks.Submit(&Request{
				Kind:       ReqPtyResize,
				AgentIndex: L.CheckInt(1),
				PtyIndex:   L.CheckInt(2),
				Cols:       uint16(L.CheckInt(3)),
				Rows:       uint16(L.CheckInt(4)),
			})
			return 0
		},
		"quit": func(L *lua.LState) int {
			r.sinks.Submit(&Request{Kind: ReqHubQuit})
			return 0
		},
		"show_connection_code": func(L *lua.LState) int {
			r.sinks.Submit(&Request{Kind: ReqShowConnectionCode})
			return 0
		},
	})
}

// registerConnection wires pairing URL primitives.
func (r *Runtime) registerConnection() {
	r.setModule("connection", map[string]lua.LGFunction{
		"generate": func(L *lua.LState) int {
			r.sinks.Submit(&Request{Kind: ReqConnectionGenerate})
			return 0
		},
		"regenerate": func(L *lua.LState) int {
			r.sinks.Submit(&Request{Kind: ReqConnectionRegenerate})
			return 0
		},
		"copy_to_clipboard": func(L *lua.LState) int {
			r.sinks.Submit(&Request{Kind: ReqConnectionCopy})
			return 0
		},
	})
}

// registerWorktree wires worktree.delete{path, branch}.
func (r *Runtime) registerWorktree() {
	r.setModule("worktree", map[string]lua.LGFunction{
		"delete": func(L *lua.LState) int {
			opts := L.CheckTable(1)
			r.sinks.Submit(&Request{
				Kind:   ReqWorktreeDelete,
				Path:   stringField(opts, "path"),
				Branch: stringField(opts, "branch"),
			})
			return 0
		},
	})
}

// registerActionCable wires channel subscription on the signaling server.
// A hot reload leaves the channel's callbacks registered and does not
// subscribe again; a later subscribe for the channel replaces them.
func (r *Runtime) registerActionCable() {
	r.setModule("action_cable", map[string]lua.LGFunction{
		"subscribe": func(L *lua.LState) int {
			channel := L.CheckString(1)
			cbs := L.CheckTable(2)

			registered := make(map[string]*lua.LFunction)
			cbs.ForEach(func(k, v lua.LValue) {
				if fn, ok := v.(*lua.LFunction); ok {
					registered[k.String()] = fn
				}
			})
			r.cableCallbacks[channel] = registered
			r.sinks.Submit(&Request{Kind: ReqCableSubscribe, Channel: channel})
			return 0
		},
		"send": func(L *lua.LState) int {
			channel := L.CheckString(1)
			payload, err := luaToJSON(L.Get(2))
			if err != nil {
				L.RaiseError("action_cable.send: unserializable payload: %v", err)
				return 0
			}
			r.sinks.Submit(&Request{Kind: ReqCableSend, Channel: channel, JSON: payload})
			return 0
		},
	})
}

// registerHubClient wires the blocking request/response facade over the
// command channel. request writes directly through the per-connection
// sender so it cannot deadlock the event loop.
func (r *Runtime) registerHubClient() {
	r.setModule("hub_client", map[string]lua.LGFunction{
		"on_message": func(L *lua.LState) int {
			r.hubClientOnMessage = L.CheckFunction(1)
			return 0
		},
		"request": func(L *lua.LState) int {
			payload, err := luaToJSON(L.Get(1))
			if err != nil {
				L.RaiseError("hub_client.request: unserializable payload: %v", err)
				return 0
			}
			if r.hubClientSender == nil {
				L.Push(lua.LNil)
				L.Push(lua.LString("hub client not connected"))
				return 2
			}
			resp, err := r.hubClientSender(payload)
			if err != nil {
				L.Push(lua.LNil)
				L.Push(lua.LString(err.Error()))
				return 2
			}
			L.Push(jsonToLua(L, resp))
			return 1
		},
	})
}

// registerUpdate wires the self-update check trigger.
func (r *Runtime) registerUpdate() {
	r.setModule("update", map[string]lua.LGFunction{
		"check": func(L *lua.LState) int {
			r.sinks.Submit(&Request{Kind: ReqUpdateCheck})
			return 0
		},
	})
}

// registerPush wires push notification token registration.
func (r *Runtime) registerPush() {
	r.setModule("push", map[string]lua.LGFunction{
		"register": func(L *lua.LState) int {
			r.sinks.Submit(&Request{Kind: ReqPushRegister, Token: L.CheckString(1)})
			return 0
		},
	})
}

// --- table field helpers ---

func stringField(t *lua.LTable, key string) string {
	if v := t.RawGetString(key); v != lua.LNil {
		return v.String()
	}
	return ""
}

func intField(t *lua.LTable, key string) int {
	if v, ok := t.RawGetString(key).(lua.LNumber); ok {
		return int(v)
	}
	return 0
}
