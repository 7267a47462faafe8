package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apex-build/internal/wes"
)

func TestValidateAcceptsWellFormedJSONRequest(t *testing.T) {
	body := []byte(`{
		"workflow_type": "CWL",
		"workflow_type_version": "v1.2",
		"workflow_url": "https://example.org/wf.cwl",
		"workflow_engine": "cwltool",
		"tags": {"project": "alpha"},
		"workflow_engine_parameters": {"max_memory": "4G"}
	}`)
	form, err := ParseJSON(body)
	require.NoError(t, err)

	result, err := Validate(form, wes.ExecutableWorkflows{}, true)
	require.NoError(t, err)
	assert.Equal(t, wes.WorkflowTypeCWL, result.Request.WorkflowType)
	assert.Equal(t, wes.EngineCwltool, result.Request.WorkflowEngine)
	assert.Equal(t, "alpha", result.Request.Tags["project"])
	assert.Equal(t, "4G", result.Request.WorkflowEngineParameters["max_memory"])
}

func TestValidateRejectsMissingWorkflowType(t *testing.T) {
	form, err := ParseJSON([]byte(`{"workflow_url": "https://example.org/wf.cwl", "workflow_engine": "cwltool"}`))
	require.NoError(t, err)

	_, err = Validate(form, wes.ExecutableWorkflows{}, true)
	assert.Error(t, err)
}

func TestValidateRejectsEngineTypeMismatch(t *testing.T) {
	form, err := ParseJSON([]byte(`{
		"workflow_type": "WDL",
		"workflow_url": "https://example.org/wf.wdl",
		"workflow_engine": "cwltool"
	}`))
	require.NoError(t, err)

	_, err = Validate(form, wes.ExecutableWorkflows{}, true)
	assert.Error(t, err)
}

func TestValidateRejectsUnrecognizedEngine(t *testing.T) {
	form, err := ParseJSON([]byte(`{
		"workflow_type": "CWL",
		"workflow_url": "https://example.org/wf.cwl",
		"workflow_engine": "not-a-real-engine"
	}`))
	require.NoError(t, err)

	_, err = Validate(form, wes.ExecutableWorkflows{}, true)
	assert.Error(t, err)
}

func TestValidateRequiresWorkflowURLOrAttachment(t *testing.T) {
	form, err := ParseJSON([]byte(`{"workflow_type": "CWL", "workflow_type_version": "v1.2", "workflow_engine": "cwltool"}`))
	require.NoError(t, err)

	_, err = Validate(form, wes.ExecutableWorkflows{}, true)
	assert.Error(t, err)

	form.Attachments = []Attachment{{FileName: "main.cwl", Content: []byte("cwlVersion: v1.2")}}
	result, err := Validate(form, wes.ExecutableWorkflows{}, true)
	require.NoError(t, err)
	assert.Equal(t, "main.cwl", result.Request.WorkflowAttachment[0].FileName)
}

func TestValidateEnforcesWhitelist(t *testing.T) {
	whitelist := wes.ExecutableWorkflows{Workflows: []string{"https://example.org/approved.cwl"}}

	form, err := ParseJSON([]byte(`{
		"workflow_type": "CWL",
		"workflow_type_version": "v1.2",
		"workflow_url": "https://example.org/unapproved.cwl",
		"workflow_engine": "cwltool"
	}`))
	require.NoError(t, err)
	_, err = Validate(form, whitelist, true)
	assert.Error(t, err)

	form, err = ParseJSON([]byte(`{
		"workflow_type": "CWL",
		"workflow_type_version": "v1.2",
		"workflow_url": "https://example.org/approved.cwl",
		"workflow_engine": "cwltool"
	}`))
	require.NoError(t, err)
	_, err = Validate(form, whitelist, true)
	assert.NoError(t, err)
}

func TestSanitizeAttachmentNameRejectsPathEscape(t *testing.T) {
	_, err := sanitizeAttachmentName("../../etc/passwd")
	assert.Error(t, err)

	_, err = sanitizeAttachmentName("/etc/passwd")
	assert.Error(t, err)

	name, err := sanitizeAttachmentName("inputs/sample.fastq")
	require.NoError(t, err)
	assert.Equal(t, "inputs/sample.fastq", name)
}

func TestStringMapAcceptsDoublyEncodedJSON(t *testing.T) {
	m, err := stringMap(`"{\"k\":\"v\"}"`)
	require.NoError(t, err)
	assert.Equal(t, "v", m["k"])

	m, err = stringMap(`{"k":"v"}`)
	require.NoError(t, err)
	assert.Equal(t, "v", m["k"])

	m, err = stringMap("")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestStatusForTasksEndpointReturnsBadRequest(t *testing.T) {
	status, resp := StatusForTasksEndpoint()
	assert.Equal(t, 400, status)
	assert.Equal(t, "unsupported in this implementation", resp.Msg)
}
