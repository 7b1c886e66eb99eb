package protocol

import "github.com/danmuck/pklctl/internal/protocol/schema"

// Code identifies a message variant on the wire.
type Code uint8

const (
	CodeCreateEvaluator         = Code(schema.MsgCreateEvaluator)
	CodeCreateEvaluatorResponse = Code(schema.MsgCreateEvaluatorResponse)
	CodeCloseEvaluator          = Code(schema.MsgCloseEvaluator)
	CodeEvaluate                = Code(schema.MsgEvaluate)
	CodeEvaluateResponse        = Code(schema.MsgEvaluateResponse)
	CodeLog                     = Code(schema.MsgLog)
	CodeReadResource            = Code(schema.MsgReadResource)
	CodeReadResourceResponse    = Code(schema.MsgReadResourceResponse)
	CodeReadModule              = Code(schema.MsgReadModule)
	CodeReadModuleResponse      = Code(schema.MsgReadModuleResponse)
	CodeListResources           = Code(schema.MsgListResources)
	CodeListResourcesResponse   = Code(schema.MsgListResourcesResponse)
	CodeListModules             = Code(schema.MsgListModules)
	CodeListModulesResponse     = Code(schema.MsgListModulesResponse)
)

func (c Code) String() string { return schema.Name(uint8(c)) }

// Kind groups codes by direction and correlation behaviour.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindRequest is sent by the client and answered by a KindResponse.
	KindRequest
	// KindCommand is sent by the client and never answered.
	KindCommand
	KindResponse
	// KindCallback is an engine-initiated request answered by a KindCallbackResponse.
	KindCallback
	KindCallbackResponse
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindCommand:
		return "command"
	case KindResponse:
		return "response"
	case KindCallback:
		return "callback"
	case KindCallbackResponse:
		return "callback_response"
	case KindNotification:
		return "notification"
	default:
		return "unknown"
	}
}

func (c Code) Kind() Kind {
	switch c {
	case CodeCreateEvaluator, CodeEvaluate:
		return KindRequest
	case CodeCloseEvaluator:
		return KindCommand
	case CodeCreateEvaluatorResponse, CodeEvaluateResponse:
		return KindResponse
	case CodeReadResource, CodeReadModule, CodeListResources, CodeListModules:
		return KindCallback
	case CodeReadResourceResponse, CodeReadModuleResponse, CodeListResourcesResponse, CodeListModulesResponse:
		return KindCallbackResponse
	case CodeLog:
		return KindNotification
	default:
		return KindUnknown
	}
}

// Message is one catalogue variant.
type Message interface {
	Code() Code
}

// Correlated is implemented by every message that carries a requestId.
type Correlated interface {
	Message
	GetRequestID() int64
}

// Scoped is implemented by every message bound to one evaluator.
type Scoped interface {
	Message
	GetEvaluatorID() int64
}

// Failable is implemented by responses that may carry an engine error.
type Failable interface {
	Message
	GetError() *string
}

type ModuleReaderSpec struct {
	Scheme              string `msgpack:"scheme"`
	HasHierarchicalUris bool   `msgpack:"hasHierarchicalUris"`
	IsGlobbable         bool   `msgpack:"isGlobbable"`
	IsLocal             bool   `msgpack:"isLocal"`
}

type ResourceReaderSpec struct {
	Scheme              string `msgpack:"scheme"`
	HasHierarchicalUris bool   `msgpack:"hasHierarchicalUris"`
	IsGlobbable         bool   `msgpack:"isGlobbable"`
}

type Checksums struct {
	Sha256 string `msgpack:"sha256"`
}

// ProjectOrDependency describes a project and, recursively, its resolved
// dependencies. Type is "local" or "remote".
type ProjectOrDependency struct {
	PackageURI     string                          `msgpack:"packageUri,omitempty"`
	Type           string                          `msgpack:"type"`
	ProjectFileURI string                          `msgpack:"projectFileUri,omitempty"`
	Checksums      *Checksums                      `msgpack:"checksums,omitempty"`
	Dependencies   map[string]*ProjectOrDependency `msgpack:"dependencies,omitempty"`
}

type PathElement struct {
	Name        string `msgpack:"name"`
	IsDirectory bool   `msgpack:"isDirectory"`
}

type CreateEvaluator struct {
	RequestID             int64                `msgpack:"requestId"`
	AllowedModules        []string             `msgpack:"allowedModules,omitempty"`
	AllowedResources      []string             `msgpack:"allowedResources,omitempty"`
	ClientModuleReaders   []ModuleReaderSpec   `msgpack:"clientModuleReaders,omitempty"`
	ClientResourceReaders []ResourceReaderSpec `msgpack:"clientResourceReaders,omitempty"`
	ModulePaths           []string             `msgpack:"modulePaths,omitempty"`
	Env                   map[string]string    `msgpack:"env,omitempty"`
	Properties            map[string]string    `msgpack:"properties,omitempty"`
	OutputFormat          string               `msgpack:"outputFormat,omitempty"`
	RootDir               string               `msgpack:"rootDir,omitempty"`
	CacheDir              string               `msgpack:"cacheDir,omitempty"`
	Project               *ProjectOrDependency `msgpack:"project,omitempty"`
	TimeoutSeconds        int64                `msgpack:"timeoutSeconds,omitempty"`
}

type CreateEvaluatorResponse struct {
	RequestID   int64   `msgpack:"requestId"`
	EvaluatorID *int64  `msgpack:"evaluatorId,omitempty"`
	Error       *string `msgpack:"error,omitempty"`
}

type CloseEvaluator struct {
	EvaluatorID int64 `msgpack:"evaluatorId"`
}

type Evaluate struct {
	RequestID   int64   `msgpack:"requestId"`
	EvaluatorID int64   `msgpack:"evaluatorId"`
	ModuleURI   string  `msgpack:"moduleUri"`
	ModuleText  *string `msgpack:"moduleText,omitempty"`
	Expr        *string `msgpack:"expr,omitempty"`
}

type EvaluateResponse struct {
	RequestID   int64   `msgpack:"requestId"`
	EvaluatorID int64   `msgpack:"evaluatorId"`
	Result      []byte  `msgpack:"result,omitempty"`
	Error       *string `msgpack:"error,omitempty"`
}

// Log levels sent by the engine.
const (
	LogLevelTrace int64 = 0
	LogLevelWarn  int64 = 1
)

type Log struct {
	EvaluatorID int64  `msgpack:"evaluatorId"`
	Level       int64  `msgpack:"level"`
	Message     string `msgpack:"message"`
	FrameURI    string `msgpack:"frameUri,omitempty"`
}

type ReadResource struct {
	RequestID   int64  `msgpack:"requestId"`
	EvaluatorID int64  `msgpack:"evaluatorId"`
	URI         string `msgpack:"uri"`
}

type ReadResourceResponse struct {
	RequestID   int64   `msgpack:"requestId"`
	EvaluatorID int64   `msgpack:"evaluatorId"`
	Contents    []byte  `msgpack:"contents,omitempty"`
	Error       *string `msgpack:"error,omitempty"`
}

type ReadModule struct {
	RequestID   int64  `msgpack:"requestId"`
	EvaluatorID int64  `msgpack:"evaluatorId"`
	URI         string `msgpack:"uri"`
}

type ReadModuleResponse struct {
	RequestID   int64   `msgpack:"requestId"`
	EvaluatorID int64   `msgpack:"evaluatorId"`
	Contents    *string `msgpack:"contents,omitempty"`
	Error       *string `msgpack:"error,omitempty"`
}

type ListResources struct {
	RequestID   int64  `msgpack:"requestId"`
	EvaluatorID int64  `msgpack:"evaluatorId"`
	URI         string `msgpack:"uri"`
}

type ListResourcesResponse struct {
	RequestID    int64         `msgpack:"requestId"`
	EvaluatorID  int64         `msgpack:"evaluatorId"`
	PathElements []PathElement `msgpack:"pathElements,omitempty"`
	Error        *string       `msgpack:"error,omitempty"`
}

type ListModules struct {
	RequestID   int64  `msgpack:"requestId"`
	EvaluatorID int64  `msgpack:"evaluatorId"`
	URI         string `msgpack:"uri"`
}

type ListModulesResponse struct {
	RequestID    int64         `msgpack:"requestId"`
	EvaluatorID  int64         `msgpack:"evaluatorId"`
	PathElements []PathElement `msgpack:"pathElements,omitempty"`
	Error        *string       `msgpack:"error,omitempty"`
}

func (CreateEvaluator) Code() Code         { return CodeCreateEvaluator }
func (CreateEvaluatorResponse) Code() Code { return CodeCreateEvaluatorResponse }
func (CloseEvaluator) Code() Code          { return CodeCloseEvaluator }
func (Evaluate) Code() Code                { return CodeEvaluate }
func (EvaluateResponse) Code() Code        { return CodeEvaluateResponse }
func (Log) Code() Code                     { return CodeLog }
func (ReadResource) Code() Code            { return CodeReadResource }
func (ReadResourceResponse) Code() Code    { return CodeReadResourceResponse }
func (ReadModule) Code() Code              { return CodeReadModule }
func (ReadModuleResponse) Code() Code      { return CodeReadModuleResponse }
func (ListResources) Code() Code           { return CodeListResources }
func (ListResourcesResponse) Code() Code   { return CodeListResourcesResponse }
func (ListModules) Code() Code             { return CodeListModules }
func (ListModulesResponse) Code() Code     { return CodeListModulesResponse }

func (m CreateEvaluator) GetRequestID() int64         { return m.RequestID }
func (m CreateEvaluatorResponse) GetRequestID() int64 { return m.RequestID }
func (m Evaluate) GetRequestID() int64                { return m.RequestID }
func (m EvaluateResponse) GetRequestID() int64        { return m.RequestID }
func (m ReadResource) GetRequestID() int64            { return m.RequestID }
func (m ReadResourceResponse) GetRequestID() int64    { return m.RequestID }
func (m ReadModule) GetRequestID() int64              { return m.RequestID }
func (m ReadModuleResponse) GetRequestID() int64      { return m.RequestID }
func (m ListResources) GetRequestID() int64           { return m.RequestID }
func (m ListResourcesResponse) GetRequestID() int64   { return m.RequestID }
func (m ListModules) GetRequestID() int64             { return m.RequestID }
func (m ListModulesResponse) GetRequestID() int64     { return m.RequestID }

func (m CloseEvaluator) GetEvaluatorID() int64        { return m.EvaluatorID }
func (m Evaluate) GetEvaluatorID() int64              { return m.EvaluatorID }
func (m EvaluateResponse) GetEvaluatorID() int64      { return m.EvaluatorID }
func (m Log) GetEvaluatorID() int64                   { return m.EvaluatorID }
func (m ReadResource) GetEvaluatorID() int64          { return m.EvaluatorID }
func (m ReadResourceResponse) GetEvaluatorID() int64  { return m.EvaluatorID }
func (m ReadModule) GetEvaluatorID() int64            { return m.EvaluatorID }
func (m ReadModuleResponse) GetEvaluatorID() int64    { return m.EvaluatorID }
func (m ListResources) GetEvaluatorID() int64         { return m.EvaluatorID }
func (m ListResourcesResponse) GetEvaluatorID() int64 { return m.EvaluatorID }
func (m ListModules) GetEvaluatorID() int64           { return m.EvaluatorID }
func (m ListModulesResponse) GetEvaluatorID() int64   { return m.EvaluatorID }

func (m CreateEvaluatorResponse) GetError() *string { return m.Error }
func (m EvaluateResponse) GetError() *string        { return m.Error }
func (m ReadResourceResponse) GetError() *string    { return m.Error }
func (m ReadModuleResponse) GetError() *string      { return m.Error }
func (m ListResourcesResponse) GetError() *string   { return m.Error }
func (m ListModulesResponse) GetError() *string     { return m.Error }

// newMessage returns a pointer to an empty message for code.
func newMessage(c Code) (Message, bool) {
	switch c {
	case CodeCreateEvaluator:
		return &CreateEvaluator{}, true
	case CodeCreateEvaluatorResponse:
		return &CreateEvaluatorResponse{}, true
	case CodeCloseEvaluator:
		return &CloseEvaluator{}, true
	case CodeEvaluate:
		return &Evaluate{}, true
	case CodeEvaluateResponse:
		return &EvaluateResponse{}, true
	case CodeLog:
		return &Log{}, true
	case CodeReadResource:
		return &ReadResource{}, true
	case CodeReadResourceResponse:
		return &ReadResourceResponse{}, true
	case CodeReadModule:
		return &ReadModule{}, true
	case CodeReadModuleResponse:
		return &ReadModuleResponse{}, true
	case CodeListResources:
		return &ListResources{}, true
	case CodeListResourcesResponse:
		return &ListResourcesResponse{}, true
	case CodeListModules:
		return &ListModules{}, true
	case CodeListModulesResponse:
		return &ListModulesResponse{}, true
	}
	return nil, false
}
