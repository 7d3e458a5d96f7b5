package engine

import (
	"fmt"

	"github.com/cmejia91/kernelhub/internal/runtime"
)

// runtimeRegistered is the registry hook: it announces the runtime on the
// event bus and, after discovery, gives immediate-behavior runtimes their
// auto-start chance.
func (e *Engine) runtimeRegistered(md runtime.Metadata) {
	e.publish(nil, SessionEvent{Kind: EventRegistered, Metadata: md})

	e.mu.RLock()
	discovered := e.discoveryDone
	e.mu.RUnlock()
	if discovered && md.StartupBehavior == runtime.StartupImmediate {
		e.autoStartImmediate()
	}
}

// CompleteDiscovery marks the discovery phase over and applies steady-state
// auto-start policy: the first immediate-behavior runtime in registration
// order starts, provided nothing is running or starting anywhere, plus any
// language encounters that arrived during discovery get their implicit
// starts.
func (e *Engine) CompleteDiscovery() {
	e.mu.Lock()
	if e.discoveryDone {
		e.mu.Unlock()
		return
	}
	e.discoveryDone = true
	pending := make([]string, 0, len(e.encountered))
	for lang := range e.encountered {
		pending = append(pending, lang)
	}
	e.mu.Unlock()

	e.logger.Info("runtime discovery complete", "runtimes", len(e.registry.Ordered()))

	e.autoStartImmediate()
	for _, lang := range pending {
		e.autoStartImplicit(lang)
	}
}

// LanguageEncountered records that the workspace touched a language (for
// example, a document of that language was opened) and triggers implicit
// auto-start policy for it.
func (e *Engine) LanguageEncountered(languageID string) {
	e.mu.Lock()
	e.encountered[languageID] = true
	discovered := e.discoveryDone
	e.mu.Unlock()

	if discovered {
		e.autoStartImplicit(languageID)
	}
}

// autoStartImmediate starts the first immediate-behavior runtime in global
// registration order when no session exists anywhere.
func (e *Engine) autoStartImmediate() {
	if !e.cfg().AutomaticStartup {
		return
	}

	// Any live session anywhere suppresses the policy, not just console
	// ones: a notebook or background session counts too.
	e.mu.RLock()
	busy := len(e.startingByLang) > 0
	if !busy {
		for _, rec := range e.sessions {
			if rec.currentState().Active() {
				busy = true
				break
			}
		}
	}
	e.mu.RUnlock()
	if busy {
		return
	}

	for _, md := range e.registry.Ordered() {
		if md.StartupBehavior != runtime.StartupImmediate {
			continue
		}
		e.autoStart(md, "immediateStartup")
		return
	}
}

// autoStartImplicit starts a runtime for a freshly encountered language.
// Suppressed when the language already has a session, or when a workspace
// affiliation exists, because the affiliated runtime should win instead.
func (e *Engine) autoStartImplicit(languageID string) {
	if !e.cfg().AutomaticStartup {
		return
	}

	e.mu.RLock()
	active := e.consoleByLang[languageID] != nil || e.startingByLang[languageID] != nil
	e.mu.RUnlock()
	if active {
		return
	}

	if e.store != nil {
		affiliated, err := e.store.Affiliated(e.rootCtx, e.workspace, languageID)
		if err != nil {
			e.logger.Warn("failed to read affiliation", "language_id", languageID, "error", err)
		} else if affiliated != "" {
			e.logger.Debug("implicit start suppressed by affiliation",
				"language_id", languageID,
				"runtime_id", affiliated,
			)
			return
		}
	}

	for _, md := range e.registry.RuntimesForLanguage(languageID) {
		if md.StartupBehavior != runtime.StartupImplicit {
			continue
		}
		e.autoStart(md, "languageEncountered")
		return
	}
}

// StartAffiliated requests a start for every affiliated language->runtime
// pair of the workspace. Invoked once after the hosting collaborators all
// report started.
func (e *Engine) StartAffiliated() error {
	if e.store == nil || !e.cfg().AutomaticStartup {
		return nil
	}

	pairs, err := e.store.Affiliations(e.rootCtx, e.workspace)
	if err != nil {
		return fmt.Errorf("failed to read affiliations: %w", err)
	}

	for languageID, runtimeID := range pairs {
		md, ok := e.registry.Get(runtimeID)
		if !ok {
			e.logger.Debug("affiliated runtime no longer registered",
				"language_id", languageID,
				"runtime_id", runtimeID,
			)
			continue
		}

		e.mu.RLock()
		active := e.consoleByLang[languageID] != nil || e.startingByLang[languageID] != nil
		e.mu.RUnlock()
		if active {
			continue
		}

		e.autoStart(md, "workspaceAffiliation")
	}
	return nil
}

// autoStart runs a policy-triggered start in the background so trust
// deferral never blocks the caller.
func (e *Engine) autoStart(md runtime.Metadata, source string) {
	e.logger.Info("auto-starting runtime",
		"runtime_id", md.RuntimeID,
		"language_id", md.LanguageID,
		"source", source,
	)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		_, err := e.StartSession(e.rootCtx, md.RuntimeID, "", runtime.ModeConsole, source)
		if err != nil {
			e.logger.Warn("auto-start failed",
				"runtime_id", md.RuntimeID,
				"source", source,
				"error", err,
			)
		}
	}()
}
