package config

import (
	"fmt"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".tracewait"
	configFile string = "config.yml"
)

// Config defines all configuration options available to be set through the
// config file.
type Config struct {
	// Extended events to stop for. Recognized names: fork, vfork, clone,
	// vfork-done, exec, exit, seccomp, sysgood.
	TraceEvents []string `yaml:"trace-events"`

	// If Seize is true processes are attached with PTRACE_SEIZE instead of
	// PTRACE_ATTACH. Seized targets report group-stops unambiguously.
	Seize bool `yaml:"seize"`

	// WaitTimeout bounds the readiness wait of each blocking status
	// retrieval, as a Go duration string ("500ms", "2s"). Empty or "0"
	// waits without a bound.
	WaitTimeout string `yaml:"wait-timeout"`

	// TrapDisambiguation selects how SIGTRAP stops without an event code
	// are handled: "probe" queries siginfo once, "resume" forwards the trap
	// and keeps waiting.
	TrapDisambiguation string `yaml:"trap-disambiguation"`
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return &Config{}
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return &Config{}
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	data, err := os.ReadFile(fullConfigFile)
	if err != nil {
		fmt.Printf("Unable to read config data: %v.", err)
		return &Config{}
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		fmt.Printf("Unable to decode config file: %v.", err)
		return &Config{}
	}

	return &c
}

// SaveConfig will marshal and save the config struct to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for the tracewait tracer.

# This is the default configuration file. Available options are provided,
# but disabled. Delete the leading hash mark to enable an item.

# Extended events that should hand control back to the tracer. Events not
# listed here never interrupt tracing, even if the kernel reports them.
# Recognized names: fork, vfork, clone, vfork-done, exec, exit, seccomp,
# sysgood (mark syscall boundary stops).
trace-events: [exec, exit]

# Attach with PTRACE_SEIZE instead of PTRACE_ATTACH. Seized targets report
# group-stops unambiguously and do not need siginfo probing for them.
# seize: true

# Bound each readiness wait. The status retrieval that follows still blocks
# with its usual semantics once the bound elapses.
# wait-timeout: 500ms

# How to disambiguate SIGTRAP stops that carry no event code:
# "probe" (default) queries siginfo once, "resume" forwards the trap and
# keeps waiting.
# trap-disambiguation: probe
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
