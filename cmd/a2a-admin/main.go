/*
 * Copyright 2025 Cong Wang
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/a2ahub/a2a-engine/internal/orchestrator"
	"github.com/a2ahub/a2a-engine/internal/types"
)

var (
	nodeURL      = "http://localhost:8080"
	verbose      = false
	adminKeyFile = ""
	token        = ""
)

// authMode selects the credential attached to a request
type authMode int

const (
	authNone authMode = iota
	authToken
	authAdmin
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	globalFlags := flag.NewFlagSet("global", flag.ContinueOnError)
	globalFlags.StringVar(&nodeURL, "node", nodeURL, "Node URL")
	globalFlags.StringVar(&nodeURL, "node-url", nodeURL, "Node URL")
	globalFlags.StringVar(&adminKeyFile, "admin-key-file", "", "Admin API key file for administrative operations")
	globalFlags.StringVar(&token, "token", os.Getenv("A2A_TOKEN"), "Bearer token for tenant operations")
	globalFlags.BoolVar(&verbose, "v", false, "Verbose output")
	globalFlags.BoolVar(&verbose, "verbose", false, "Verbose output")
	globalFlags.Usage = printUsage

	if err := globalFlags.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	args := globalFlags.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	command, commandArgs := args[0], args[1:]
	switch command {
	case "health":
		handleHealth()
	case "agents", "agent":
		handleAgentCommand(commandArgs)
	case "discover":
		handleDiscover(commandArgs)
	case "workflow":
		handleWorkflowCommand(commandArgs)
	case "token":
		handleTokenCommand(commandArgs)
	case "tenant":
		handleTenantCommand(commandArgs)
	case "alerts":
		handleAlertsCommand(commandArgs)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("A2A Node Admin Tool")
	fmt.Println("")
	fmt.Println("Usage: a2a-admin [global-flags] <command> [args]")
	fmt.Println("")
	fmt.Println("Global Flags:")
	fmt.Println("  --node <url>              Node URL (default: http://localhost:8080)")
	fmt.Println("  --admin-key-file <file>   Admin API key file for administrative operations")
	fmt.Println("  --token <jwt>             Bearer token for tenant operations (or A2A_TOKEN)")
	fmt.Println("  -v, --verbose             Verbose output")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  health                              Show node health and readiness")
	fmt.Println("")
	fmt.Println("  agents                    Agent registry commands")
	fmt.Println("    list [--capability C] [--service S] [--tenant T]")
	fmt.Println("    register <id> --capability C [--capability C2] [--service S] [--endpoint URL]")
	fmt.Println("    unregister <id>")
	fmt.Println("    heartbeat <id>")
	fmt.Println("")
	fmt.Println("  discover [--capability C] [--service S] [--min N]")
	fmt.Println("")
	fmt.Println("  workflow                  Workflow commands (require a token with workflow scopes)")
	fmt.Println("    run <type> [--input file] [--agent CAP=agent-id]")
	fmt.Println("    get <id>")
	fmt.Println("    list [--status S]")
	fmt.Println("    cancel|pause|resume <id>")
	fmt.Println("")
	fmt.Println("  token issue <subject> [--tenant T] [--scope S] [--ttl 1h]   (requires admin key)")
	fmt.Println("  tenant list|add <id>                                       (requires admin key)")
	fmt.Println("  alerts list [--unresolved] | resolve <id>                  (requires admin key)")
	fmt.Println("")
	fmt.Println("Examples:")
	fmt.Println("  a2a-admin health")
	fmt.Println("  a2a-admin --admin-key-file admin.key token issue ops --tenant acme --scope 'workflow:execute:acme:*'")
	fmt.Println("  a2a-admin --token $JWT workflow run FINANCIAL_COMPLIANCE --input request.json")
	fmt.Println("  a2a-admin discover --capability ANALYSIS --min 2")
}

func request(method, endpoint string, body interface{}, mode authMode) ([]byte, error) {
	target := strings.TrimRight(nodeURL, "/") + endpoint

	if verbose {
		fmt.Printf("Making %s request to: %s\n", method, target)
	}

	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonData)

		if verbose {
			fmt.Printf("Request body: %s\n", string(jsonData))
		}
	}

	req, err := http.NewRequest(method, target, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	switch mode {
	case authAdmin:
		key, err := readAdminKey()
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-Admin-Key", key)
	case authToken:
		if token == "" {
			return nil, fmt.Errorf("a bearer token is required for this operation. Use --token or A2A_TOKEN")
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{
		Timeout: 30 * time.Second,
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if verbose {
		fmt.Printf("Response status: %d\n", resp.StatusCode)
		fmt.Printf("Response body: %s\n", string(respBody))
	}

	if resp.StatusCode >= 400 {
		var errorResp types.ErrorResponse
		if json.Unmarshal(respBody, &errorResp) == nil && errorResp.Error.Code != "" {
			return nil, fmt.Errorf("API error (%d) %s: %s", resp.StatusCode, errorResp.Error.Code, errorResp.Error.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

func readAdminKey() (string, error) {
	if adminKeyFile == "" {
		return "", fmt.Errorf("admin key file is required for administrative operations. Use --admin-key-file flag")
	}
	data, err := os.ReadFile(adminKeyFile)
	if err != nil {
		return "", fmt.Errorf("failed to read admin key file: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			return line, nil
		}
	}
	return "", fmt.Errorf("admin key file is empty")
}

// tenantAuth sends the token when one is configured; open nodes accept
// anonymous calls
func tenantAuth() authMode {
	if token != "" {
		return authToken
	}
	return authNone
}

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func decode(data []byte, out interface{}) {
	if err := json.Unmarshal(data, out); err != nil {
		fail("failed to parse response: %v", err)
	}
}

func printJSON(data []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(buf.String())
}

// multiFlag collects a repeatable string flag
type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }

func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}

// splitArgs separates the leading positional arguments from the flags that
// follow them
func splitArgs(args []string, positional int) ([]string, []string) {
	if len(args) < positional {
		return nil, args
	}
	return args[:positional], args[positional:]
}

func handleHealth() {
	health, err := request(http.MethodGet, "/health", nil, authNone)
	if err != nil {
		fail("health check failed: %v", err)
	}
	printJSON(health)

	ready, err := request(http.MethodGet, "/ready", nil, authNone)
	if err != nil {
		fail("readiness check failed: %v", err)
	}
	printJSON(ready)
}

func handleAgentCommand(args []string) {
	if len(args) == 0 {
		fmt.Println("Agent commands: list, register, unregister, heartbeat")
		os.Exit(1)
	}

	subcommand, subcommandArgs := args[0], args[1:]
	switch subcommand {
	case "list":
		handleAgentList(subcommandArgs)
	case "register":
		handleAgentRegister(subcommandArgs)
	case "unregister":
		handleAgentUnregister(subcommandArgs)
	case "heartbeat":
		handleAgentHeartbeat(subcommandArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown agent command: %s\n", subcommand)
		os.Exit(1)
	}
}

func handleAgentList(args []string) {
	listFlags := flag.NewFlagSet("list", flag.ExitOnError)
	capability := listFlags.String("capability", "", "Filter by capability")
	service := listFlags.String("service", "", "Filter by service")
	tenant := listFlags.String("tenant", "", "Filter by tenant")
	if err := listFlags.Parse(args); err != nil {
		os.Exit(1)
	}

	query := url.Values{}
	if *capability != "" {
		query.Set("capability", *capability)
	}
	if *service != "" {
		query.Set("service", *service)
	}
	if *tenant != "" {
		query.Set("tenant_id", *tenant)
	}
	endpoint := "/v1/agents"
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	resp, err := request(http.MethodGet, endpoint, nil, authNone)
	if err != nil {
		fail("failed to list agents: %v", err)
	}

	var response types.ListAgentsResponse
	decode(resp, &response)
	printAgents(response.Agents)
}

func printAgents(agents []*types.AgentRecord) {
	if len(agents) == 0 {
		fmt.Println("No agents registered")
		return
	}

	fmt.Printf("Agents (%d):\n", len(agents))
	for _, a := range agents {
		caps := make([]string, len(a.Capabilities))
		for i, c := range a.Capabilities {
			caps[i] = string(c)
		}
		fmt.Printf("  %s\n", a.AgentID)
		fmt.Printf("    Status: %s\n", a.Status)
		if a.TenantID != "" {
			fmt.Printf("    Tenant: %s\n", a.TenantID)
		}
		fmt.Printf("    Capabilities: %s\n", strings.Join(caps, ", "))
		if len(a.Services) > 0 {
			fmt.Printf("    Services: %s\n", strings.Join(a.Services, ", "))
		}
		if endpoint := a.Metadata[types.MetadataEndpoint]; endpoint != "" {
			fmt.Printf("    Endpoint: %s\n", endpoint)
		}
		fmt.Printf("    Last Seen: %s\n", a.LastSeen.Format(time.RFC3339))
	}
}

func handleAgentRegister(args []string) {
	registerFlags := flag.NewFlagSet("register", flag.ExitOnError)
	var capabilities, services multiFlag
	registerFlags.Var(&capabilities, "capability", "Agent capability (repeatable)")
	registerFlags.Var(&services, "service", "Service offered (repeatable)")
	endpoint := registerFlags.String("endpoint", "", "Transport endpoint of the agent")
	tenant := registerFlags.String("tenant", "", "Tenant the agent belongs to")
	registerFlags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: a2a-admin agents register <id> --capability C [flags]\n\nFlags:\n")
		registerFlags.PrintDefaults()
	}

	positional, rest := splitArgs(args, 1)
	if positional == nil {
		registerFlags.Usage()
		os.Exit(1)
	}
	if err := registerFlags.Parse(rest); err != nil {
		os.Exit(1)
	}
	if len(capabilities) == 0 {
		fail("at least one --capability is required")
	}

	req := map[string]interface{}{
		"agent_id":     positional[0],
		"tenant_id":    *tenant,
		"capabilities": capabilities,
		"services":     services,
	}
	if *endpoint != "" {
		req["metadata"] = map[string]string{types.MetadataEndpoint: *endpoint}
	}

	resp, err := request(http.MethodPost, "/v1/agents", req, tenantAuth())
	if err != nil {
		fail("failed to register agent: %v", err)
	}

	var response struct {
		Agent *types.AgentRecord `json:"agent"`
	}
	decode(resp, &response)
	fmt.Printf("Successfully registered agent: %s\n", positional[0])
	if response.Agent != nil {
		printAgents([]*types.AgentRecord{response.Agent})
	}
}

func handleAgentUnregister(args []string) {
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "Usage: a2a-admin agents unregister <id>\n")
		os.Exit(1)
	}
	if _, err := request(http.MethodDelete, "/v1/agents/"+url.PathEscape(args[0]), nil, tenantAuth()); err != nil {
		fail("failed to unregister agent: %v", err)
	}
	fmt.Printf("Successfully unregistered agent: %s\n", args[0])
}

func handleAgentHeartbeat(args []string) {
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "Usage: a2a-admin agents heartbeat <id>\n")
		os.Exit(1)
	}
	if _, err := request(http.MethodPost, "/v1/agents/"+url.PathEscape(args[0])+"/heartbeat", nil, tenantAuth()); err != nil {
		fail("heartbeat failed: %v", err)
	}
	fmt.Printf("Heartbeat recorded for %s\n", args[0])
}

func handleDiscover(args []string) {
	discoverFlags := flag.NewFlagSet("discover", flag.ExitOnError)
	capability := discoverFlags.String("capability", "", "Required capability")
	service := discoverFlags.String("service", "", "Required service")
	minAgents := discoverFlags.Int("min", 0, "Consult the external registry below this many local matches")
	if err := discoverFlags.Parse(args); err != nil {
		os.Exit(1)
	}

	query := url.Values{}
	if *capability != "" {
		query.Set("capability", *capability)
	}
	if *service != "" {
		query.Set("service", *service)
	}
	if *minAgents > 0 {
		query.Set("min_agents", fmt.Sprint(*minAgents))
	}

	resp, err := request(http.MethodGet, "/v1/discovery?"+query.Encode(), nil, authNone)
	if err != nil {
		fail("discovery failed: %v", err)
	}

	var response struct {
		Agents []*types.AgentRecord `json:"agents"`
	}
	decode(resp, &response)
	printAgents(response.Agents)
}

func handleWorkflowCommand(args []string) {
	if len(args) == 0 {
		fmt.Println("Workflow commands: run, get, list, cancel, pause, resume")
		os.Exit(1)
	}

	subcommand, subcommandArgs := args[0], args[1:]
	switch subcommand {
	case "run":
		handleWorkflowRun(subcommandArgs)
	case "get":
		handleWorkflowGet(subcommandArgs)
	case "list":
		handleWorkflowList(subcommandArgs)
	case "cancel", "pause", "resume":
		handleWorkflowTransition(subcommand, subcommandArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown workflow command: %s\n", subcommand)
		os.Exit(1)
	}
}

func handleWorkflowRun(args []string) {
	runFlags := flag.NewFlagSet("run", flag.ExitOnError)
	inputFile := runFlags.String("input", "", "JSON file with the workflow input")
	stepsFile := runFlags.String("steps", "", "JSON file with custom steps (type CUSTOM)")
	var pins multiFlag
	runFlags.Var(&pins, "agent", "Pin a capability to an agent as CAPABILITY=agent-id (repeatable)")

	positional, rest := splitArgs(args, 1)
	if positional == nil {
		fmt.Fprintf(os.Stderr, "Usage: a2a-admin workflow run <type> [--input file] [--steps file] [--agent CAP=id]\n")
		os.Exit(1)
	}
	if err := runFlags.Parse(rest); err != nil {
		os.Exit(1)
	}

	req := map[string]interface{}{"type": positional[0]}
	if *inputFile != "" {
		data, err := os.ReadFile(*inputFile)
		if err != nil {
			fail("failed to read input file: %v", err)
		}
		req["input"] = json.RawMessage(data)
	}
	if *stepsFile != "" {
		data, err := os.ReadFile(*stepsFile)
		if err != nil {
			fail("failed to read steps file: %v", err)
		}
		req["steps"] = json.RawMessage(data)
	}
	if len(pins) > 0 {
		agents := make(map[string]string, len(pins))
		for _, pin := range pins {
			capability, agentID, ok := strings.Cut(pin, "=")
			if !ok {
				fail("invalid agent pin %q. Use CAPABILITY=agent-id", pin)
			}
			agents[strings.ToUpper(capability)] = agentID
		}
		req["agents"] = agents
	}

	resp, err := request(http.MethodPost, "/v1/workflows", req, tenantAuth())
	if err != nil {
		fail("failed to start workflow: %v", err)
	}

	var response struct {
		WorkflowID string `json:"workflow_id"`
	}
	decode(resp, &response)
	fmt.Printf("Workflow started: %s\n", response.WorkflowID)
	fmt.Printf("  Poll with: a2a-admin workflow get %s\n", response.WorkflowID)
}

func handleWorkflowGet(args []string) {
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "Usage: a2a-admin workflow get <id>\n")
		os.Exit(1)
	}
	resp, err := request(http.MethodGet, "/v1/workflows/"+url.PathEscape(args[0]), nil, tenantAuth())
	if err != nil {
		fail("failed to get workflow: %v", err)
	}

	var wf orchestrator.Workflow
	decode(resp, &wf)
	printWorkflow(&wf)
}

func printWorkflow(wf *orchestrator.Workflow) {
	fmt.Printf("Workflow %s (%s)\n", wf.ID, wf.Type)
	fmt.Printf("  Status: %s\n", wf.Status)
	if wf.TenantID != "" {
		fmt.Printf("  Tenant: %s\n", wf.TenantID)
	}
	fmt.Printf("  Progress: %d/%d steps\n", wf.CurrentStep, len(wf.Steps))
	if wf.Error != "" {
		fmt.Printf("  Error: %s\n", wf.Error)
	}
	for _, step := range wf.Steps {
		result, ok := wf.Results[orchestrator.StepKey(step.Number)]
		switch {
		case !ok:
			fmt.Printf("  [ ] %d %s (%s)\n", step.Number, step.Action, step.Capability)
		case result.Success:
			fmt.Printf("  [x] %d %s by %s: %s\n", step.Number, step.Action, result.Agent, string(result.Result))
		default:
			fmt.Printf("  [!] %d %s by %s: %s %s\n", step.Number, step.Action, result.Agent, result.Code, result.Error)
		}
	}
}

func handleWorkflowList(args []string) {
	listFlags := flag.NewFlagSet("list", flag.ExitOnError)
	status := listFlags.String("status", "", "Filter by status")
	if err := listFlags.Parse(args); err != nil {
		os.Exit(1)
	}

	endpoint := "/v1/workflows"
	if *status != "" {
		endpoint += "?status=" + url.QueryEscape(*status)
	}
	resp, err := request(http.MethodGet, endpoint, nil, tenantAuth())
	if err != nil {
		fail("failed to list workflows: %v", err)
	}

	var response struct {
		Workflows []*orchestrator.Workflow `json:"workflows"`
		Count     int                      `json:"count"`
	}
	decode(resp, &response)
	if response.Count == 0 {
		fmt.Println("No workflows")
		return
	}
	fmt.Printf("Workflows (%d):\n", response.Count)
	for _, wf := range response.Workflows {
		fmt.Printf("  %s  %-20s %-10s %s\n", wf.ID, wf.Type, wf.Status, wf.CreatedAt.Format(time.RFC3339))
	}
}

func handleWorkflowTransition(action string, args []string) {
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "Usage: a2a-admin workflow %s <id>\n", action)
		os.Exit(1)
	}
	resp, err := request(http.MethodPost, "/v1/workflows/"+url.PathEscape(args[0])+"/"+action, nil, tenantAuth())
	if err != nil {
		fail("failed to %s workflow: %v", action, err)
	}

	var wf orchestrator.Workflow
	decode(resp, &wf)
	printWorkflow(&wf)
}

func handleTokenCommand(args []string) {
	if len(args) == 0 || args[0] != "issue" {
		fmt.Println("Token commands: issue")
		os.Exit(1)
	}

	issueFlags := flag.NewFlagSet("issue", flag.ExitOnError)
	tenant := issueFlags.String("tenant", "", "Tenant the token is bound to")
	agentID := issueFlags.String("agent", "", "Agent the token acts for")
	ttl := issueFlags.Duration("ttl", 0, "Token lifetime (default: node setting)")
	var scopes multiFlag
	issueFlags.Var(&scopes, "scope", "Scope as domain:operation:tenant:session (repeatable)")

	positional, rest := splitArgs(args[1:], 1)
	if positional == nil {
		fmt.Fprintf(os.Stderr, "Usage: a2a-admin token issue <subject> [--tenant T] [--scope S] [--ttl 1h]\n")
		os.Exit(1)
	}
	if err := issueFlags.Parse(rest); err != nil {
		os.Exit(1)
	}

	req := map[string]interface{}{
		"subject":     positional[0],
		"tenant_id":   *tenant,
		"agent_id":    *agentID,
		"scopes":      scopes,
		"ttl_seconds": int(ttl.Seconds()),
	}
	resp, err := request(http.MethodPost, "/v1/tokens", req, authAdmin)
	if err != nil {
		fail("failed to issue token: %v", err)
	}

	var response struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	decode(resp, &response)
	fmt.Println(response.Token)
	if verbose {
		fmt.Printf("Expires: %s\n", response.ExpiresAt.Format(time.RFC3339))
	}
}

func handleTenantCommand(args []string) {
	if len(args) == 0 {
		fmt.Println("Tenant commands: list, add")
		os.Exit(1)
	}

	switch args[0] {
	case "list":
		resp, err := request(http.MethodGet, "/v1/tenants", nil, authAdmin)
		if err != nil {
			fail("failed to list tenants: %v", err)
		}
		var response struct {
			Tenants []string `json:"tenants"`
		}
		decode(resp, &response)
		for _, t := range response.Tenants {
			fmt.Println(t)
		}
	case "add":
		if len(args) != 2 {
			fmt.Fprintf(os.Stderr, "Usage: a2a-admin tenant add <id>\n")
			os.Exit(1)
		}
		if _, err := request(http.MethodPost, "/v1/tenants", map[string]string{"tenant_id": args[1]}, authAdmin); err != nil {
			fail("failed to add tenant: %v", err)
		}
		fmt.Printf("Tenant added: %s\n", args[1])
	default:
		fmt.Fprintf(os.Stderr, "Unknown tenant command: %s\n", args[0])
		os.Exit(1)
	}
}

func handleAlertsCommand(args []string) {
	if len(args) == 0 {
		fmt.Println("Alerts commands: list, resolve")
		os.Exit(1)
	}

	switch args[0] {
	case "list":
		listFlags := flag.NewFlagSet("list", flag.ExitOnError)
		unresolved := listFlags.Bool("unresolved", false, "Only unresolved alerts")
		if err := listFlags.Parse(args[1:]); err != nil {
			os.Exit(1)
		}
		endpoint := "/v1/security/alerts"
		if *unresolved {
			endpoint += "?unresolved=true"
		}
		resp, err := request(http.MethodGet, endpoint, nil, authAdmin)
		if err != nil {
			fail("failed to list alerts: %v", err)
		}
		printJSON(resp)
	case "resolve":
		if len(args) != 2 {
			fmt.Fprintf(os.Stderr, "Usage: a2a-admin alerts resolve <id>\n")
			os.Exit(1)
		}
		if _, err := request(http.MethodPost, "/v1/security/alerts/"+url.PathEscape(args[1])+"/resolve", nil, authAdmin); err != nil {
			fail("failed to resolve alert: %v", err)
		}
		fmt.Printf("Alert resolved: %s\n", args[1])
	default:
		fmt.Fprintf(os.Stderr, "Unknown alerts command: %s\n", args[0])
		os.Exit(1)
	}
}
