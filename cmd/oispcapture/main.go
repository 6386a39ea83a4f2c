package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"log/slog"

	"github.com/oximy/oisp/internal/config"
	oisptls "github.com/oximy/oisp/internal/tls"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "record":
			handleRecordCommand(os.Args[2:])
			return
		case "replay":
			handleReplayCommand(os.Args[2:])
			return
		case "show":
			handleShowCommand(os.Args[2:])
			return
		case "check":
			handleCheckCommand(os.Args[2:])
			return
		case "status":
			handleStatusCommand(os.Args[2:])
			return
		case "run":
			handleRunCommand(os.Args[2:])
			return
		case "setup":
			handleSetupCommand(os.Args[2:])
			return
		}
	}

	// No subcommand: top-level flags, then default to record.
	showVersion := flag.Bool("version", false, "Show version and exit")
	showCA := flag.Bool("show-ca", false, "Show CA certificate path and exit")
	showHelp := flag.Bool("help", false, "Show help")
	flag.Parse()

	switch {
	case *showHelp:
		printHelp()
	case *showVersion:
		fmt.Printf("oispcapture %s (%s)\n", version, commit)
	case *showCA:
		printCAInstructions()
	default:
		handleRecordCommand(flag.Args())
	}
}

// printCAInstructions shows where the root certificate lives and how to
// trust it, creating the CA on first use.
func printCAInstructions() {
	configDir, err := config.ConfigDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCapability)
	}
	certsDir := filepath.Join(configDir, "certs")
	if _, err := oisptls.LoadOrCreateCA(certsDir); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading/creating CA: %v\n", err)
		os.Exit(exitCapability)
	}

	caPath := filepath.Join(certsDir, "ca.crt")
	fmt.Printf("CA certificate: %s\n", caPath)
	fmt.Println("\nTo trust this CA:")
	fmt.Println("  macOS: sudo security add-trusted-cert -d -r trustRoot -k /Library/Keychains/System.keychain " + caPath)
	fmt.Println("  Linux: sudo cp " + caPath + " /usr/local/share/ca-certificates/oisp.crt && sudo update-ca-certificates")
	fmt.Println("  Windows: certutil -addstore -f \"ROOT\" " + caPath)
}

// listenWithFallback attempts to listen on the given address, falling back to
// subsequent ports if the port is already in use. It tries up to maxAttempts ports.
// Returns the listener, the actual address used, and any error.
func listenWithFallback(baseAddr string, maxAttempts int) (net.Listener, string, error) {
	host, portStr, err := net.SplitHostPort(baseAddr)
	if err != nil {
		// No port specified: listen on the address as-is.
		ln, err := net.Listen("tcp", baseAddr)
		if err != nil {
			return nil, "", err
		}
		return ln, baseAddr, nil
	}

	basePort, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, "", fmt.Errorf("invalid port %q: %w", portStr, err)
	}

	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		port := basePort + i
		addr := net.JoinHostPort(host, strconv.Itoa(port))

		ln, err := net.Listen("tcp", addr)
		if err == nil {
			if i > 0 {
				slog.Info("port fallback", "requested", baseAddr, "actual", addr)
			}
			return ln, addr, nil
		}

		if isAddrInUse(err) {
			lastErr = err
			continue
		}
		return nil, "", err
	}

	return nil, "", fmt.Errorf("all %d ports starting from %s are in use: %w", maxAttempts, baseAddr, lastErr)
}

// isAddrInUse checks if the error indicates the address is already in use.
func isAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "address already in use") ||
		strings.Contains(errStr, "Only one usage of each socket address") ||
		strings.Contains(errStr, "EADDRINUSE")
}

// printHelp prints usage information
func printHelp() {
	fmt.Printf(`OISP Capture - host-level AI traffic observer

Captures AI/LLM API traffic on this host, decodes it into OISP v0.1
events, and delivers them to configured sinks (JSONL, SQLite, WebSocket,
OTLP, Kafka, webhook).

USAGE:
    oispcapture [OPTIONS]                 Same as 'oispcapture record'
    oispcapture <command> [options]

COMMANDS:
    record            Run the capture pipeline (uprobe/mitm per config)
    replay            Re-run a recorded event file through the pipeline
    show              Pretty-print captured events (JSONL file or SQLite store)
    check             Verify capture prerequisites (CA, ports, process table)
    status            Query a running capture's health endpoint
    run               Run a command with the proxy environment configured
    setup             Install CA certificate to system trust store

OPTIONS:
    -version          Show version information
    -show-ca          Show CA certificate path and trust instructions
    -help             Show this help message

EXAMPLES:
    oispcapture record -out ./events.jsonl     Capture to a JSONL file
    oispcapture setup                          Install CA (first-time setup)
    oispcapture run claude                     Capture one command's traffic
    oispcapture show -file ./events.jsonl      Inspect captured events
    oispcapture replay -file raw.jsonl -out replayed.jsonl

CONFIGURATION:
    Config file locations (in order of precedence):
    - Path specified with -config
    - %%APPDATA%%\oisp\config.yaml (Windows)
    - ~/.config/oisp/config.yaml (Unix)

    Environment variables override config (OISP_* prefix), and CLI flags
    override both. See 'oispcapture record -help' for per-command flags.

For more information, see: https://github.com/oximy/oisp
`)
}

// handleSetupCommand handles the "setup" subcommand for CA installation
func handleSetupCommand(args []string) {
	setupFlags := flag.NewFlagSet("setup", flag.ExitOnError)
	showHelp := setupFlags.Bool("help", false, "Show help")
	_ = setupFlags.Parse(args)

	if *showHelp {
		printSetupHelp()
		os.Exit(0)
	}

	configDir, err := config.ConfigDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error getting config directory: %v\n", err)
		os.Exit(exitCapability)
	}

	certsDir := filepath.Join(configDir, "certs")
	caPath := filepath.Join(certsDir, "ca.crt")

	if _, err := oisptls.LoadOrCreateCA(certsDir); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading/creating CA: %v\n", err)
		os.Exit(exitCapability)
	}

	fmt.Println("OISP Capture Setup - CA Certificate Installation")
	fmt.Println("================================================")
	fmt.Println()
	fmt.Printf("CA certificate: %s\n", caPath)
	fmt.Println()

	switch detectOS() {
	case "darwin":
		installMacOS(caPath)
	case "linux":
		installLinux(caPath)
	case "windows":
		installWindows(caPath)
	default:
		fmt.Println("Unknown platform - showing manual instructions")
		printManualInstructions(caPath)
	}
}

// detectOS returns the operating system
func detectOS() string {
	switch {
	case fileExists("/Library/Keychains/System.keychain"):
		return "darwin"
	case fileExists("/usr/local/share/ca-certificates"):
		return "linux"
	case fileExists("C:\\Windows\\System32"):
		return "windows"
	default:
		return "unknown"
	}
}

// fileExists checks if a file or directory exists
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// installMacOS installs the CA on macOS
func installMacOS(caPath string) {
	fmt.Println("macOS detected")
	fmt.Println()

	cmd := exec.Command("sudo", "security", "add-trusted-cert", "-d", "-r", "trustRoot",
		"-k", "/Library/Keychains/System.keychain", caPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin

	fmt.Println("Running: sudo security add-trusted-cert -d -r trustRoot -k /Library/Keychains/System.keychain " + caPath)
	fmt.Println()

	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "\n✗ Failed to install CA: %v\n", err)
		fmt.Println("\nYou can run the command manually or use the manual instructions below:")
		fmt.Println()
		printManualInstructions(caPath)
		os.Exit(exitRuntime)
	}

	fmt.Println()
	fmt.Println("✓ CA certificate installed successfully!")
	printPostInstall()
}

// installLinux installs the CA on Linux
func installLinux(caPath string) {
	fmt.Println("Linux detected")
	fmt.Println()

	destPath := "/usr/local/share/ca-certificates/oisp.crt"

	fmt.Printf("Running: sudo cp %s %s\n", caPath, destPath)
	cpCmd := exec.Command("sudo", "cp", caPath, destPath)
	cpCmd.Stdout = os.Stdout
	cpCmd.Stderr = os.Stderr
	cpCmd.Stdin = os.Stdin

	if err := cpCmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "\n✗ Failed to copy CA: %v\n", err)
		fmt.Println("\nYou can run the commands manually:")
		printManualInstructions(caPath)
		os.Exit(exitRuntime)
	}

	fmt.Println("Running: sudo update-ca-certificates")
	updateCmd := exec.Command("sudo", "update-ca-certificates")
	updateCmd.Stdout = os.Stdout
	updateCmd.Stderr = os.Stderr
	updateCmd.Stdin = os.Stdin

	if err := updateCmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "\n✗ Failed to update CA certificates: %v\n", err)
		fmt.Println("\nYou can run the command manually:")
		fmt.Println("  sudo update-ca-certificates")
		os.Exit(exitRuntime)
	}

	fmt.Println()
	fmt.Println("✓ CA certificate installed successfully!")
	printPostInstall()
}

// installWindows installs the CA on Windows
func installWindows(caPath string) {
	fmt.Println("Windows detected")
	fmt.Println()

	fmt.Println("Installing CA certificate to Windows trust store...")
	fmt.Printf("Running: certutil -addstore -f \"ROOT\" %s\n", caPath)
	fmt.Println()

	cmd := exec.Command("certutil", "-addstore", "-f", "ROOT", caPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "\n✗ Failed to install CA: %v\n", err)
		fmt.Println("\nYou may need to run this command as Administrator:")
		fmt.Printf("  certutil -addstore -f \"ROOT\" %s\n", caPath)
		fmt.Println()
		fmt.Println("Or right-click oispcapture.exe and select 'Run as administrator', then run 'oispcapture setup'")
		os.Exit(exitRuntime)
	}

	fmt.Println()
	fmt.Println("✓ CA certificate installed successfully!")
	printPostInstall()
}

// printManualInstructions prints manual CA installation instructions
func printManualInstructions(caPath string) {
	fmt.Println("Manual CA Installation Instructions")
	fmt.Println("-----------------------------------")
	fmt.Println()
	fmt.Println("macOS:")
	fmt.Printf("  sudo security add-trusted-cert -d -r trustRoot -k /Library/Keychains/System.keychain %s\n", caPath)
	fmt.Println()
	fmt.Println("Linux (Debian/Ubuntu):")
	fmt.Printf("  sudo cp %s /usr/local/share/ca-certificates/oisp.crt\n", caPath)
	fmt.Println("  sudo update-ca-certificates")
	fmt.Println()
	fmt.Println("Linux (RHEL/Fedora):")
	fmt.Printf("  sudo cp %s /etc/pki/ca-trust/source/anchors/oisp.crt\n", caPath)
	fmt.Println("  sudo update-ca-trust")
	fmt.Println()
	fmt.Println("Windows (Run as Administrator):")
	fmt.Printf("  certutil -addstore -f \"ROOT\" %s\n", caPath)
	fmt.Println()
	fmt.Println("Firefox (all platforms):")
	fmt.Println("  1. Open Firefox Settings → Privacy & Security → Certificates → View Certificates")
	fmt.Println("  2. Click 'Authorities' tab → 'Import'")
	fmt.Printf("  3. Select: %s\n", caPath)
	fmt.Println("  4. Check 'Trust this CA to identify websites' → OK")
}

// printPostInstall prints post-installation instructions
func printPostInstall() {
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Start capturing:")
	fmt.Println("     oispcapture record -out ./events.jsonl")
	fmt.Println()
	fmt.Println("  2. Point a client through the proxy:")
	fmt.Println("     oispcapture run claude")
	fmt.Println("     # or export HTTPS_PROXY=http://localhost:9090 manually")
	fmt.Println()
	fmt.Println("  3. Inspect what was captured:")
	fmt.Println("     oispcapture show -file ./events.jsonl")
	fmt.Println()
	fmt.Println("Note: Firefox uses its own certificate store; see the manual")
	fmt.Println("      instructions in 'oispcapture setup -help'.")
}

// printSetupHelp prints help for setup subcommand
func printSetupHelp() {
	fmt.Printf(`Usage: oispcapture setup [options]

Installs the OISP Capture CA certificate to your system's trust store.
This allows the MITM capture producer to intercept HTTPS traffic to AI
provider APIs.

Options:
    --help         Show this help message

The setup wizard will:
  1. Create or load the CA certificate
  2. Detect your operating system
  3. Attempt to install the CA automatically (may require sudo/admin)
  4. Provide manual instructions if automatic installation fails
`)
}
