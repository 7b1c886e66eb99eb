package evaluator

import (
	"fmt"
	"net/url"

	"github.com/danmuck/pklctl/internal/observability"
	"github.com/danmuck/pklctl/internal/protocol"
	"github.com/danmuck/pklctl/internal/reader"
)

// HandleCallback serves a read or list request from the engine using the
// readers registered on the addressed evaluator. It runs on the read loop.
// Callbacks for a closed evaluator get no reply at all; the router counts
// them as violations.
func (m *Manager) HandleCallback(msg protocol.Message) protocol.Message {
	if s, ok := msg.(protocol.Scoped); ok && m.isClosed(s.GetEvaluatorID()) {
		m.logger.Warn().
			Str("code", msg.Code().String()).
			Int64("evaluator_id", s.GetEvaluatorID()).
			Msg("evaluator.Manager.HandleCallback drop callback for closed evaluator")
		return nil
	}
	switch c := msg.(type) {
	case *protocol.ReadModule:
		resp := &protocol.ReadModuleResponse{RequestID: c.RequestID, EvaluatorID: c.EvaluatorID}
		r, u, err := m.moduleReader(c.EvaluatorID, c.URI)
		if err == nil {
			var text string
			if text, err = r.Read(u); err == nil {
				resp.Contents = &text
			}
		}
		resp.Error = m.callbackError(msg, c.URI, err)
		return resp
	case *protocol.ReadResource:
		resp := &protocol.ReadResourceResponse{RequestID: c.RequestID, EvaluatorID: c.EvaluatorID}
		r, u, err := m.resourceReader(c.EvaluatorID, c.URI)
		if err == nil {
			resp.Contents, err = r.Read(u)
		}
		resp.Error = m.callbackError(msg, c.URI, err)
		return resp
	case *protocol.ListModules:
		resp := &protocol.ListModulesResponse{RequestID: c.RequestID, EvaluatorID: c.EvaluatorID}
		r, u, err := m.moduleReader(c.EvaluatorID, c.URI)
		if err == nil {
			resp.PathElements, err = listElements(r, u)
		}
		resp.Error = m.callbackError(msg, c.URI, err)
		return resp
	case *protocol.ListResources:
		resp := &protocol.ListResourcesResponse{RequestID: c.RequestID, EvaluatorID: c.EvaluatorID}
		r, u, err := m.resourceReader(c.EvaluatorID, c.URI)
		if err == nil {
			resp.PathElements, err = listElements(r, u)
		}
		resp.Error = m.callbackError(msg, c.URI, err)
		return resp
	}
	return nil
}

func (m *Manager) callbackError(msg protocol.Message, uri string, err error) *string {
	observability.RecordCallback(msg.Code().String(), err == nil)
	if err == nil {
		return nil
	}
	m.logger.Debug().Str("code", msg.Code().String()).Str("uri", uri).Err(err).Msg("evaluator.Manager.HandleCallback failed")
	s := err.Error()
	return &s
}

func (m *Manager) isClosed(evaluatorID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.evaluators[evaluatorID]
	return ok && st.state == StateClosed
}

func (m *Manager) lookupOpen(evaluatorID int64) (*evaluatorState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.evaluators[evaluatorID]
	if !ok {
		m.logger.Warn().Int64("evaluator_id", evaluatorID).Msg("evaluator.Manager callback for unknown evaluator")
		return nil, fmt.Errorf("%w: evaluator_id=%d", ErrUnknownEvaluator, evaluatorID)
	}
	if st.state == StateClosed {
		return nil, fmt.Errorf("%w: evaluator_id=%d", ErrEvaluatorClosed, evaluatorID)
	}
	return st, nil
}

func (m *Manager) moduleReader(evaluatorID int64, uri string) (reader.ModuleReader, url.URL, error) {
	st, err := m.lookupOpen(evaluatorID)
	if err != nil {
		return nil, url.URL{}, err
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil, url.URL{}, err
	}
	r, ok := st.modules[u.Scheme]
	if !ok {
		return nil, url.URL{}, fmt.Errorf("no module reader for scheme %q", u.Scheme)
	}
	return r, *u, nil
}

func (m *Manager) resourceReader(evaluatorID int64, uri string) (reader.ResourceReader, url.URL, error) {
	st, err := m.lookupOpen(evaluatorID)
	if err != nil {
		return nil, url.URL{}, err
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil, url.URL{}, err
	}
	r, ok := st.resources[u.Scheme]
	if !ok {
		return nil, url.URL{}, fmt.Errorf("no resource reader for scheme %q", u.Scheme)
	}
	return r, *u, nil
}

func listElements(r reader.Reader, u url.URL) ([]protocol.PathElement, error) {
	elems, err := r.ListElements(u)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.PathElement, len(elems))
	for i, e := range elems {
		out[i] = protocol.PathElement{Name: e.Name, IsDirectory: e.IsDirectory}
	}
	return out, nil
}
