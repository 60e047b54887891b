package docker

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"

	"github.com/DaxxSec/labyrinth/internal/config"
)

// proxyContainerName is the compose service name of the interception proxy.
const proxyContainerName = "labyrinth-proxy"

// Validate runs the L0 BEDROCK pre-flight checks: daemon reachable, project
// network present with the expected subnet, proxy container running at its
// expected IP, template image present. Returns ok and the list of failures.
func Validate(ctx context.Context, cli APIClient, cfg *config.Config) (bool, []string) {
	var errs []string

	if cli == nil {
		return false, []string{"docker client not available"}
	}
	if _, err := cli.Ping(ctx); err != nil {
		return false, []string{fmt.Sprintf("docker ping failed: %v", err)}
	}

	netName := validateNetwork(ctx, cli, cfg.NetworkSubnet, &errs)
	validateProxy(ctx, cli, netName, cfg.Layer4.ProxyIP, &errs)

	images, err := cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", cfg.SessionTemplateImage)),
	})
	if err != nil || len(images) == 0 {
		errs = append(errs, fmt.Sprintf("session template image %q not found", cfg.SessionTemplateImage))
	}

	return len(errs) == 0, errs
}

func validateNetwork(ctx context.Context, cli APIClient, expectedSubnet string, errs *[]string) string {
	nets, err := cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("network check failed: %v", err))
		return ""
	}

	for _, n := range nets {
		if n.Name != networkSuffix && !strings.HasSuffix(n.Name, "_"+networkSuffix) {
			continue
		}
		found := false
		for _, c := range n.IPAM.Config {
			if c.Subnet == expectedSubnet {
				found = true
				break
			}
		}
		if !found {
			*errs = append(*errs, fmt.Sprintf("%s subnet mismatch: expected %s", networkSuffix, expectedSubnet))
		}
		return n.Name
	}

	*errs = append(*errs, fmt.Sprintf("network %q not found", networkSuffix))
	return ""
}

func validateProxy(ctx context.Context, cli APIClient, netName, expectedIP string, errs *[]string) {
	proxies, err := cli.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", proxyContainerName)),
	})
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("proxy container check failed: %v", err))
		return
	}
	if len(proxies) == 0 {
		*errs = append(*errs, fmt.Sprintf("proxy container %q not running", proxyContainerName))
		return
	}
	if netName == "" {
		return
	}

	inspect, err := cli.ContainerInspect(ctx, proxies[0].ID)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("proxy container inspect failed: %v", err))
		return
	}
	actualIP := ""
	if inspect.NetworkSettings != nil {
		if ep, ok := inspect.NetworkSettings.Networks[netName]; ok {
			actualIP = ep.IPAddress
		}
	}
	if actualIP != expectedIP {
		*errs = append(*errs, fmt.Sprintf("proxy IP mismatch: expected %s, got %s", expectedIP, actualIP))
	}
}
