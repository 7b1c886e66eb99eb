package schema

import (
	"fmt"

	"github.com/danmuck/pklctl/internal/protocol/frame"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// Message codes from the engine's message passing API.
const (
	MsgCreateEvaluator         uint8 = 0x20
	MsgCreateEvaluatorResponse uint8 = 0x21
	MsgCloseEvaluator          uint8 = 0x22
	MsgEvaluate                uint8 = 0x23
	MsgEvaluateResponse        uint8 = 0x24
	MsgLog                     uint8 = 0x25
	MsgReadResource            uint8 = 0x26
	MsgReadResourceResponse    uint8 = 0x27
	MsgReadModule              uint8 = 0x28
	MsgReadModuleResponse      uint8 = 0x29
	MsgListResources           uint8 = 0x2a
	MsgListResourcesResponse   uint8 = 0x2b
	MsgListModules             uint8 = 0x2c
	MsgListModulesResponse     uint8 = 0x2d
)

// Field names shared across the catalogue.
const (
	FieldRequestID             = "requestId"
	FieldEvaluatorID           = "evaluatorId"
	FieldError                 = "error"
	FieldURI                   = "uri"
	FieldContents              = "contents"
	FieldPathElements          = "pathElements"
	FieldResult                = "result"
	FieldModuleURI             = "moduleUri"
	FieldModuleText            = "moduleText"
	FieldExpr                  = "expr"
	FieldLevel                 = "level"
	FieldMessage               = "message"
	FieldFrameURI              = "frameUri"
	FieldAllowedModules        = "allowedModules"
	FieldAllowedResources      = "allowedResources"
	FieldClientModuleReaders   = "clientModuleReaders"
	FieldClientResourceReaders = "clientResourceReaders"
	FieldCacheDir              = "cacheDir"
	FieldProject               = "project"
	FieldTimeoutSeconds        = "timeoutSeconds"
)

// Kind is the coarse MessagePack family a field value must belong to.
type Kind uint8

const (
	KindAny Kind = iota
	KindInt
	KindString
	KindBinary
	KindBool
	KindArray
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindString:
		return "string"
	case KindBinary:
		return "binary"
	case KindBool:
		return "bool"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	default:
		return "any"
	}
}

type Requirement struct {
	Name string
	Kind Kind
}

// Schema lists what a message code must carry. Either pairs name two fields
// of which at least one must be present and non-null.
type Schema struct {
	Name     string
	Required []Requirement
	Optional []Requirement
	Either   [][2]string
}

type ValidationError struct {
	Code   uint8
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("schema: code=%#02x: %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("schema: code=%#02x field=%s: %s", e.Code, e.Field, e.Reason)
}

var responseOptional = []Requirement{{FieldError, KindString}}

var schemas = map[uint8]Schema{
	MsgCreateEvaluator: {
		Name:     "CreateEvaluator",
		Required: []Requirement{{FieldRequestID, KindInt}},
		Optional: []Requirement{
			{FieldAllowedModules, KindArray},
			{FieldAllowedResources, KindArray},
			{FieldClientModuleReaders, KindArray},
			{FieldClientResourceReaders, KindArray},
			{FieldCacheDir, KindString},
			{FieldProject, KindMap},
			{FieldTimeoutSeconds, KindInt},
		},
	},
	MsgCreateEvaluatorResponse: {
		Name:     "CreateEvaluatorResponse",
		Required: []Requirement{{FieldRequestID, KindInt}},
		Optional: []Requirement{{FieldEvaluatorID, KindInt}, {FieldError, KindString}},
		Either:   [][2]string{{FieldEvaluatorID, FieldError}},
	},
	MsgCloseEvaluator: {
		Name:     "CloseEvaluator",
		Required: []Requirement{{FieldEvaluatorID, KindInt}},
	},
	MsgEvaluate: {
		Name: "Evaluate",
		Required: []Requirement{
			{FieldRequestID, KindInt},
			{FieldEvaluatorID, KindInt},
			{FieldModuleURI, KindString},
		},
		Optional: []Requirement{{FieldModuleText, KindString}, {FieldExpr, KindString}},
	},
	MsgEvaluateResponse: {
		Name:     "EvaluateResponse",
		Required: []Requirement{{FieldRequestID, KindInt}, {FieldEvaluatorID, KindInt}},
		Optional: []Requirement{{FieldResult, KindBinary}, {FieldError, KindString}},
		Either:   [][2]string{{FieldResult, FieldError}},
	},
	MsgLog: {
		Name: "Log",
		Required: []Requirement{
			{FieldEvaluatorID, KindInt},
			{FieldLevel, KindInt},
			{FieldMessage, KindString},
		},
		Optional: []Requirement{{FieldFrameURI, KindString}},
	},
	MsgReadResource:          callbackSchema("ReadResource"),
	MsgReadResourceResponse:  responseSchema("ReadResourceResponse", FieldContents, KindBinary),
	MsgReadModule:            callbackSchema("ReadModule"),
	MsgReadModuleResponse:    responseSchema("ReadModuleResponse", FieldContents, KindString),
	MsgListResources:         callbackSchema("ListResources"),
	MsgListResourcesResponse: responseSchema("ListResourcesResponse", FieldPathElements, KindArray),
	MsgListModules:           callbackSchema("ListModules"),
	MsgListModulesResponse:   responseSchema("ListModulesResponse", FieldPathElements, KindArray),
}

func callbackSchema(name string) Schema {
	return Schema{
		Name: name,
		Required: []Requirement{
			{FieldRequestID, KindInt},
			{FieldEvaluatorID, KindInt},
			{FieldURI, KindString},
		},
	}
}

func responseSchema(name, payload string, kind Kind) Schema {
	return Schema{
		Name:     name,
		Required: []Requirement{{FieldRequestID, KindInt}, {FieldEvaluatorID, KindInt}},
		Optional: append([]Requirement{{payload, kind}}, responseOptional...),
	}
}

// Lookup returns the schema registered for code.
func Lookup(code uint8) (Schema, bool) {
	s, ok := schemas[code]
	return s, ok
}

// Name returns the catalogue name for code, or a hex placeholder.
func Name(code uint8) string {
	if s, ok := Lookup(code); ok {
		return s.Name
	}
	return fmt.Sprintf("Unknown(%#02x)", code)
}

// Validate enforces required fields and field kinds for a message code.
// Unknown fields are ignored.
func Validate(code uint8, fields map[string]msgpack.RawMessage) error {
	s, ok := Lookup(code)
	if !ok {
		log.Error().Uint8("code", code).Msg("schema.Validate unknown code")
		return ValidationError{Code: code, Reason: "unknown message code"}
	}
	for _, req := range s.Required {
		raw, found := fields[req.Name]
		if !found {
			log.Error().Str("message", s.Name).Str("field", req.Name).Msg("schema.Validate missing field")
			return ValidationError{Code: code, Field: req.Name, Reason: "missing required field"}
		}
		if frame.IsNull(raw) {
			return ValidationError{Code: code, Field: req.Name, Reason: "required field is null"}
		}
		if !matches(raw, req.Kind) {
			log.Error().
				Str("message", s.Name).
				Str("field", req.Name).
				Str("want", req.Kind.String()).
				Msg("schema.Validate type mismatch")
			return ValidationError{Code: code, Field: req.Name, Reason: "type mismatch"}
		}
	}
	for _, opt := range s.Optional {
		raw, found := fields[opt.Name]
		if !found || frame.IsNull(raw) {
			continue
		}
		if !matches(raw, opt.Kind) {
			return ValidationError{Code: code, Field: opt.Name, Reason: "type mismatch"}
		}
	}
	for _, pair := range s.Either {
		if present(fields, pair[0]) || present(fields, pair[1]) {
			continue
		}
		return ValidationError{
			Code:   code,
			Field:  pair[0],
			Reason: fmt.Sprintf("one of %s or %s is required", pair[0], pair[1]),
		}
	}
	log.Trace().Str("message", s.Name).Int("fields", len(fields)).Msg("schema.Validate ok")
	return nil
}

func present(fields map[string]msgpack.RawMessage, name string) bool {
	raw, ok := fields[name]
	return ok && !frame.IsNull(raw)
}

func matches(raw msgpack.RawMessage, kind Kind) bool {
	if kind == KindAny {
		return true
	}
	c := raw[0]
	switch kind {
	case KindInt:
		return msgpcode.IsFixedNum(c) ||
			(c >= msgpcode.Uint8 && c <= msgpcode.Uint64) ||
			(c >= msgpcode.Int8 && c <= msgpcode.Int64)
	case KindString:
		return msgpcode.IsFixedString(c) || c == msgpcode.Str8 || c == msgpcode.Str16 || c == msgpcode.Str32
	case KindBinary:
		// Older engines send binary payloads as str.
		return c == msgpcode.Bin8 || c == msgpcode.Bin16 || c == msgpcode.Bin32 ||
			msgpcode.IsFixedString(c) || c == msgpcode.Str8 || c == msgpcode.Str16 || c == msgpcode.Str32
	case KindBool:
		return c == msgpcode.True || c == msgpcode.False
	case KindArray:
		return msgpcode.IsFixedArray(c) || c == msgpcode.Array16 || c == msgpcode.Array32
	case KindMap:
		return msgpcode.IsFixedMap(c) || c == msgpcode.Map16 || c == msgpcode.Map32
	}
	return false
}
