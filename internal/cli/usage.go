package cli

import (
	"fmt"
	"strings"

	"github.com/openrlm/rlm-go/tools"
)

func printUsage() {
	fmt.Println(`rlm - recursive language model agent

Usage:
  rlm run [flags] <input...>     run one task and print the answer
  rlm chat [flags]               interactive session (/budget, /quit)
  rlm serve [flags]              run scheduled jobs from the config file
  rlm sessions [flags]           list persisted sessions
  rlm dlq <list|retry|remove|clear> [id]
                                 inspect and replay failed operations
  rlm help                       show this help

Flags:
  --config=PATH                  YAML config file (default rlm.yaml)
  --session=KEY                  reuse a named session
  --system-prompt=TEXT           override the system prompt
  --tools=a,b,c                  restrict the registered toolset

Environment:
  OPENAI_API_KEY                 provider credential (or provider.apiKey)
  RLM_CONFIG                     config file path
  RLM_TOOLS                      default tool selection
  RLM_SYSTEM_PROMPT              default system prompt
  RLM_VERBOSE                    log runtime events to stderr
  RLM_TRACES                     emit OpenTelemetry spans

Registered tools: ` + strings.Join(tools.ToolNames(), ", "))
}
