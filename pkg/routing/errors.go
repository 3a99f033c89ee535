package routing

import "errors"

var (
	// ErrInvalidArgument — empty user request or malformed routing input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInfeasible — the decision engine judged the request infeasible
	// with the available tools.
	ErrInfeasible = errors.New("workflow is not feasible")

	// ErrLLM — the LLM backend was unreachable, returned nothing, or
	// returned non-JSON where JSON was required.
	ErrLLM = errors.New("llm backend error")

	// ErrJSValidationFailed — generated code failed syntax, security, or
	// dry-run validation. Never retried automatically.
	ErrJSValidationFailed = errors.New("generated javascript failed validation")

	// ErrSchemaInvalid — the input schema stayed invalid after all
	// correction rounds.
	ErrSchemaInvalid = errors.New("tool input schema invalid")

	// ErrToolNotFound — no registered tool with the requested name.
	ErrToolNotFound = errors.New("tool not found")

	// ErrUnknownCLIKind — the configured AI-CLI backend kind is not in
	// the supported set.
	ErrUnknownCLIKind = errors.New("unknown AI CLI kind")
)
