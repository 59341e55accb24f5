package python

import (
	"fmt"
	"os/exec"
	"sync"

	"mediaforge-backend/internal/diffusion"
	"mediaforge-backend/plugin/shared"

	"github.com/hashicorp/go-plugin"
)

// Runtime is a diffusion runtime running in a python plugin process.
type Runtime struct {
	diffusion.Runtime

	mu     sync.Mutex
	client *plugin.Client
}

func LoadRuntime(pythonExecutable, pluginScript string, args ...string) (*Runtime, error) {
	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig:  shared.Handshake,
		Plugins:          shared.PluginMap,
		Cmd:              exec.Command(pythonExecutable, append([]string{pluginScript}, args...)...),
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolGRPC},
		GRPCDialOptions:  shared.DialOptions(),
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("error establishing RPC connection: %w", err)
	}

	raw, err := rpcClient.Dispense(shared.RuntimePluginName)
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("error dispensing '%s': %w", shared.RuntimePluginName, err)
	}

	runtime, ok := raw.(diffusion.Runtime)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("dispensed interface '%s' is not of expected type diffusion.Runtime (actual type: %T)", shared.RuntimePluginName, raw)
	}

	return &Runtime{Runtime: runtime, client: client}, nil
}

// Release kills the plugin process, freeing all model memory it holds.
func (r *Runtime) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client == nil {
		return
	}

	r.client.Kill()
	r.client = nil
}
