package cmd

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"example.com/backstage/services/branchops/internal/client"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	simulateURL         string
	simulateDevices     int
	simulateInterval    time.Duration
	simulateDuration    time.Duration
	simulateConcurrency int
	simulateSubnet      string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Send heartbeats from simulated recorder devices",
	Long: `Simulates a fleet of recorder devices posting heartbeats to a running server.
Each device gets a stable random MAC address, so the first round auto-registers them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSimulation()
	},
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	simulateCmd.Flags().StringVarP(&simulateURL, "url", "u", "http://localhost:8080", "Base URL of the branchops API")
	simulateCmd.Flags().IntVarP(&simulateDevices, "devices", "n", 10, "Number of simulated devices")
	simulateCmd.Flags().DurationVarP(&simulateInterval, "interval", "i", 30*time.Second, "Time between heartbeats of one device")
	simulateCmd.Flags().DurationVarP(&simulateDuration, "duration", "d", 0, "Stop after this long (0 runs until interrupted)")
	simulateCmd.Flags().IntVar(&simulateConcurrency, "concurrency", 10, "Maximum heartbeats in flight")
	simulateCmd.Flags().StringVar(&simulateSubnet, "subnet", "10.20.0.0/16", "Subnet the device IP addresses are drawn from")
}

type simulatedDevice struct {
	ip  string
	mac string
}

type simulationStats struct {
	sent   atomic.Int64
	failed atomic.Int64
}

func runSimulation() error {
	if simulateDevices <= 0 {
		return fmt.Errorf("--devices must be positive")
	}
	if simulateInterval <= 0 {
		return fmt.Errorf("--interval must be positive")
	}

	devices, err := simulatedFleet(simulateDevices, simulateSubnet)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if simulateDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, simulateDuration)
		defer cancel()
	}

	api := client.NewClient(simulateURL)
	if _, err := api.Health(ctx); err != nil {
		logger.WithError(err).Warn("Health check failed, sending heartbeats anyway")
	}

	logger.WithFields(logrus.Fields{
		"devices":  len(devices),
		"interval": simulateInterval.String(),
		"url":      simulateURL,
	}).Info("Starting heartbeat simulation")

	stats := &simulationStats{}
	ticker := time.NewTicker(simulateInterval)
	defer ticker.Stop()

	for {
		sendRound(ctx, api, devices, stats)

		select {
		case <-ctx.Done():
			logger.WithFields(logrus.Fields{
				"sent":   stats.sent.Load(),
				"failed": stats.failed.Load(),
			}).Info("Heartbeat simulation finished")
			return nil
		case <-ticker.C:
		}
	}
}

// sendRound posts one heartbeat per device with bounded concurrency.
func sendRound(ctx context.Context, api *client.Client, devices []simulatedDevice, stats *simulationStats) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(simulateConcurrency)

	for _, d := range devices {
		g.Go(func() error {
			reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			if _, err := api.SendHeartbeat(reqCtx, client.Heartbeat{IPAddress: d.ip, MACAddress: d.mac}); err != nil {
				stats.failed.Add(1)
				if ctx.Err() == nil {
					logger.WithError(err).WithField("mac_address", d.mac).Warn("Heartbeat failed")
				}
				return nil
			}
			stats.sent.Add(1)
			return nil
		})
	}
	_ = g.Wait()
}

func simulatedFleet(n int, subnet string) ([]simulatedDevice, error) {
	_, network, err := net.ParseCIDR(subnet)
	if err != nil {
		return nil, fmt.Errorf("invalid --subnet: %w", err)
	}
	base := network.IP.To4()
	if base == nil {
		return nil, fmt.Errorf("--subnet must be IPv4")
	}
	ones, bits := network.Mask.Size()
	if n > (1<<(bits-ones))-2 {
		return nil, fmt.Errorf("--subnet %s cannot hold %d devices", subnet, n)
	}

	devices := make([]simulatedDevice, n)
	for i := range devices {
		offset := uint32(i + 1)
		ip := make(net.IP, 4)
		v := uint32(base[0])<<24 | uint32(base[1])<<16 | uint32(base[2])<<8 | uint32(base[3])
		v += offset
		ip[0], ip[1], ip[2], ip[3] = byte(v>>24), byte(v>>16), byte(v>>8), byte(v)

		mac := make([]byte, 6)
		if _, err := rand.Read(mac); err != nil {
			return nil, err
		}
		// Locally administered, unicast.
		mac[0] = (mac[0] | 0x02) &^ 0x01

		devices[i] = simulatedDevice{ip: ip.String(), mac: net.HardwareAddr(mac).String()}
	}
	return devices, nil
}
