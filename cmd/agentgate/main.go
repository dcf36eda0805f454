// Command agentgate runs the AgentGate security gateway.
package main

import "github.com/agentgate/agentgate/cmd/agentgate/cmd"

func main() {
	cmd.Execute()
}
