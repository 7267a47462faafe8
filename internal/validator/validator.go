// Package validator turns a POST /runs body — multipart or JSON — into
// a canonical wes.RunRequest, or a structured apierror.Error naming the
// offending field. It never touches the filesystem; RunStore owns that.
package validator

import (
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"

	"apex-build/internal/apierror"
	"apex-build/internal/wes"
)

// engineTypeNames mirrors wes.EngineTypes but keyed by the exact wire
// strings used in error messages, so B1-style rejections name the
// field precisely.
var engineTypeNames = map[wes.WorkflowEngine][]string{
	wes.EngineCwltool:    {"CWL"},
	wes.EngineToil:       {"CWL"},
	wes.EngineEp3:        {"CWL"},
	wes.EngineStreamFlow: {"CWL"},
	wes.EngineCromwell:   {"WDL"},
	wes.EngineNextflow:   {"NFL"},
	wes.EngineSnakemake:  {"SMK"},
}

// Attachment is a single decoded workflow_attachment entry: a raw
// multipart file body. workflow_attachment_obj entries are not
// downloaded and never become an Attachment.
type Attachment struct {
	FileName string
	Content  []byte
}

// Result is the Validator's output: a canonical request plus the raw
// attachment bytes RunStore will materialize under exe/.
type Result struct {
	Request     wes.RunRequest
	Attachments []Attachment
}

// Form is the subset of an incoming request the Validator needs,
// abstracting over multipart and JSON bodies so both paths funnel
// through the same validation logic.
type Form struct {
	WorkflowType             string
	WorkflowTypeVersion      string
	WorkflowURL              string
	WorkflowEngine           string
	WorkflowEngineVersion    string
	WorkflowParams           string // raw JSON text or empty
	WorkflowEngineParameters string // raw JSON text or empty
	Tags                     string // raw JSON text or empty
	Attachments              []Attachment
	AttachmentObjs           []wes.FileObject // workflow_attachment_obj; recorded with their file_url, not fetched
}

// ParseMultipart builds a Form from a parsed multipart.Form. The
// JSON-valued fields (workflow_params, tags, etc.) are kept as raw text
// and decoded later by Validate, which accepts both an object and a
// JSON string containing one.
func ParseMultipart(mf *multipart.Form, files map[string][]byte) Form {
	get := func(name string) string {
		if v, ok := mf.Value[name]; ok && len(v) > 0 {
			return v[0]
		}
		return ""
	}

	f := Form{
		WorkflowType:             get("workflow_type"),
		WorkflowTypeVersion:      get("workflow_type_version"),
		WorkflowURL:              get("workflow_url"),
		WorkflowEngine:           get("workflow_engine"),
		WorkflowEngineVersion:    get("workflow_engine_version"),
		WorkflowParams:           get("workflow_params"),
		WorkflowEngineParameters: get("workflow_engine_parameters"),
		Tags:                     get("tags"),
	}

	for name, content := range files {
		f.Attachments = append(f.Attachments, Attachment{FileName: name, Content: content})
	}

	if raw := get("workflow_attachment_obj"); raw != "" {
		var objs []wes.FileObject
		if err := json.Unmarshal([]byte(raw), &objs); err == nil {
			f.AttachmentObjs = objs
		}
	}

	return f
}

// jsonBody is the application/json shape of POST /runs.
type jsonBody struct {
	WorkflowType             string            `json:"workflow_type"`
	WorkflowTypeVersion      string            `json:"workflow_type_version"`
	WorkflowURL              string            `json:"workflow_url"`
	WorkflowEngine           string            `json:"workflow_engine"`
	WorkflowEngineVersion    string            `json:"workflow_engine_version"`
	WorkflowParams           json.RawMessage   `json:"workflow_params"`
	WorkflowEngineParameters json.RawMessage   `json:"workflow_engine_parameters"`
	Tags                     json.RawMessage   `json:"tags"`
	WorkflowAttachmentObj    []wes.FileObject  `json:"workflow_attachment_obj"`
}

// ParseJSON builds a Form from a raw application/json body.
func ParseJSON(body []byte) (Form, error) {
	var jb jsonBody
	if err := json.Unmarshal(body, &jb); err != nil {
		return Form{}, apierror.Wrap(apierror.InvalidRequest, "malformed JSON body", err)
	}
	return Form{
		WorkflowType:             jb.WorkflowType,
		WorkflowTypeVersion:      jb.WorkflowTypeVersion,
		WorkflowURL:              jb.WorkflowURL,
		WorkflowEngine:           jb.WorkflowEngine,
		WorkflowEngineVersion:    jb.WorkflowEngineVersion,
		WorkflowParams:           string(jb.WorkflowParams),
		WorkflowEngineParameters: string(jb.WorkflowEngineParameters),
		Tags:                     string(jb.Tags),
		AttachmentObjs:           jb.WorkflowAttachmentObj,
	}, nil
}

// stringMap decodes raw (possibly doubly-JSON-encoded) text into a
// string->string map, accepting both an object and a JSON string
// containing an object, per spec §4.2 "dual form".
func stringMap(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err == nil {
		return m, nil
	}
	var nested string
	if err := json.Unmarshal([]byte(raw), &nested); err == nil {
		var inner map[string]string
		if err := json.Unmarshal([]byte(nested), &inner); err == nil {
			return inner, nil
		}
	}
	return nil, fmt.Errorf("not a JSON object or JSON-encoded object string")
}

// canonicalParams re-encodes workflow_params into a canonical JSON
// string, accepting an object or a JSON string containing an object.
func canonicalParams(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return "", nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &obj); err == nil {
		out, _ := json.Marshal(obj)
		return string(out), nil
	}
	var nested string
	if err := json.Unmarshal([]byte(raw), &nested); err == nil {
		var inner map[string]interface{}
		if err := json.Unmarshal([]byte(nested), &inner); err == nil {
			out, _ := json.Marshal(inner)
			return string(out), nil
		}
	}
	return "", fmt.Errorf("workflow_params is not a JSON object or JSON-encoded object string")
}

// Validate applies §4.2's rules to f. requireTypeVersion makes
// workflow_type_version mandatory (spec-2.1); pass false to accept a
// request without it (spec-2.0 semantics).
func Validate(f Form, whitelist wes.ExecutableWorkflows, requireTypeVersion bool) (Result, error) {
	if f.WorkflowType == "" {
		return Result{}, apierror.New(apierror.InvalidRequest, "workflow_type is required")
	}
	wfType := wes.WorkflowType(strings.ToUpper(f.WorkflowType))
	switch wfType {
	case wes.WorkflowTypeCWL, wes.WorkflowTypeWDL, wes.WorkflowTypeNFL, wes.WorkflowTypeSMK:
	default:
		return Result{}, apierror.New(apierror.InvalidRequest, "workflow_type must be one of CWL, WDL, NFL, SMK")
	}

	if f.WorkflowEngine == "" {
		return Result{}, apierror.New(apierror.InvalidRequest, "workflow_engine is required")
	}
	engine := wes.WorkflowEngine(strings.ToLower(f.WorkflowEngine))
	accepted, known := engineTypeNames[engine]
	if !known {
		return Result{}, apierror.New(apierror.InvalidRequest, "workflow_engine is not a recognized engine")
	}
	if !engine.Accepts(wfType) {
		return Result{}, apierror.New(apierror.InvalidRequest,
			fmt.Sprintf("workflow_type_version: engine %q accepts %s, not %s", engine, strings.Join(accepted, "/"), wfType))
	}

	if requireTypeVersion && f.WorkflowTypeVersion == "" {
		return Result{}, apierror.New(apierror.InvalidRequest, "workflow_type_version is required")
	}

	hasAttachmentSource := len(f.Attachments) > 0 || len(f.AttachmentObjs) > 0
	if f.WorkflowURL == "" && !hasAttachmentSource {
		return Result{}, apierror.New(apierror.InvalidRequest, "workflow_url is required when no attachments supply it")
	}

	if err := validateWorkflowURL(f.WorkflowURL, whitelist); err != nil {
		return Result{}, err
	}

	engineParams, err := stringMap(f.WorkflowEngineParameters)
	if err != nil {
		return Result{}, apierror.Wrap(apierror.InvalidRequest, "workflow_engine_parameters must be string->string", err)
	}
	tags, err := stringMap(f.Tags)
	if err != nil {
		return Result{}, apierror.Wrap(apierror.InvalidRequest, "tags must be string->string", err)
	}
	params, err := canonicalParams(f.WorkflowParams)
	if err != nil {
		return Result{}, apierror.Wrap(apierror.InvalidRequest, "invalid workflow_params", err)
	}

	var fileObjects []wes.FileObject
	for _, a := range f.Attachments {
		name, err := sanitizeAttachmentName(a.FileName)
		if err != nil {
			return Result{}, err
		}
		fileObjects = append(fileObjects, wes.FileObject{FileName: name, FileURL: name})
	}
	for _, obj := range f.AttachmentObjs {
		name, err := sanitizeAttachmentName(obj.FileName)
		if err != nil {
			return Result{}, err
		}
		fileObjects = append(fileObjects, wes.FileObject{FileName: name, FileURL: obj.FileURL})
	}

	req := wes.RunRequest{
		WorkflowType:             wfType,
		WorkflowTypeVersion:      f.WorkflowTypeVersion,
		WorkflowURL:              f.WorkflowURL,
		WorkflowEngine:           engine,
		WorkflowEngineVersion:    f.WorkflowEngineVersion,
		WorkflowParams:           params,
		WorkflowEngineParameters: engineParams,
		WorkflowAttachment:       fileObjects,
		Tags:                     tags,
	}

	atts := make([]Attachment, len(f.Attachments))
	copy(atts, f.Attachments)

	return Result{Request: req, Attachments: atts}, nil
}

// validateWorkflowURL enforces S1/P6: a non-empty whitelist requires
// an exact absolute http(s) match; attachment-relative URLs are
// rejected outright in whitelist mode.
func validateWorkflowURL(url string, whitelist wes.ExecutableWorkflows) error {
	if len(whitelist.Workflows) == 0 {
		return nil
	}
	if url == "" {
		// No workflow_url at all (attachment-only submission) is
		// incompatible with a non-empty whitelist, since the whitelist
		// only constrains absolute URLs.
		return apierror.New(apierror.InvalidRequest, "workflow_url is required when executable_workflows is configured")
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return apierror.New(apierror.InvalidRequest, "workflow_url not in executable workflows")
	}
	if !whitelist.Allows(url) {
		return apierror.New(apierror.InvalidRequest, "workflow_url not in executable workflows")
	}
	return nil
}

// sanitizeAttachmentName enforces B2: no ".." segment, no absolute
// path, no backslash.
func sanitizeAttachmentName(name string) (string, error) {
	if name == "" {
		return "", apierror.New(apierror.InvalidRequest, "file_name must not be empty")
	}
	if strings.Contains(name, "\\") {
		return "", apierror.New(apierror.InvalidRequest, "file_name must not contain a backslash")
	}
	if strings.HasPrefix(name, "/") {
		return "", apierror.New(apierror.InvalidRequest, "file_name must be a relative path")
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return "", apierror.New(apierror.InvalidRequest, "file_name must not contain a '..' segment")
		}
	}
	return name, nil
}

// StatusForTasksEndpoint is the canned response for /runs/{id}/tasks*,
// which this implementation never supports (spec §4.7).
func StatusForTasksEndpoint() (int, apierror.Response) {
	return http.StatusBadRequest, apierror.Response{
		Msg:        "unsupported in this implementation",
		StatusCode: http.StatusBadRequest,
	}
}
