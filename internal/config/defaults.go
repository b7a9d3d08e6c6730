package config

import (
	"os"
	"path/filepath"

	"github.com/sgerhart/aegisflux/backend/integrity/internal/model"
)

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		HTTPAddr:  ":8095",
		NATSURL:   "",
		SubjectID: "local-session",
		LogsDir:   "logs",

		Detection: DetectionConfig{
			EnabledModules: map[model.DetectionModule]bool{
				model.ModuleProcess:    true,
				model.ModuleNetwork:    true,
				model.ModuleFilesystem: true,
				model.ModuleBrowser:    true,
				model.ModuleScreen:     false,
				model.ModuleOutput:     true,
			},
			ScanIntervalsMs: map[model.DetectionModule]int{
				model.ModuleProcess:    2000,
				model.ModuleNetwork:    5000,
				model.ModuleFilesystem: 1000,
				model.ModuleBrowser:    10000,
				model.ModuleScreen:     30000,
				model.ModuleOutput:     5000,
			},
			Process: ProcessConfig{
				KnownAIProcesses: []string{
					"chatgpt", "chatgpt.exe", "chatgpt-desktop",
					"claude", "claude.exe", "claude-desktop",
					"github-copilot", "copilot", "copilot.exe",
					"tabnine", "tabnine.exe", "tabnine-language-server",
					"codewhisperer", "amazon-codewhisperer",
					"grammarly", "grammarly.exe", "grammarly-desktop",
					"jasper", "jasper.exe",
					"writesonic", "writesonic.exe",
					"notion-ai",
					"elicit", "consensus",
					"otter", "otter.ai",
					"fireflies",
					"character-ai", "character.ai",
				},
				AIKeywords: []string{"gpt", "claude", "gemini", "copilot", "ai", "assistant", "bot"},
				CommandPatterns: []string{
					`(?i)(openai\.com|claude\.ai|gemini\.google\.com|perplexity\.ai|character\.ai)`,
					`(?i)(transformers|langchain|openai|anthropic|huggingface)`,
					`(?i)(--api[_-]key|--openai|--anthropic|--model[_-]name)`,
				},
				AILibraries:        []string{"torch", "tensorflow", "transformers", "openai", "anthropic"},
				Whitelist:          []string{"systemd", "kthreadd", "init", "explorer.exe", "dwm.exe", "winlogon.exe", "csrss.exe", "services.exe"},
				MonitorCommandLine: true,
			},
			Network: NetworkConfig{
				AIDomains: []string{
					"openai.com",
					"chat.openai.com",
					"api.openai.com",
					"claude.ai",
					"anthropic.com",
					"gemini.google.com",
					"ai.google.dev",
					"copilot.github.com",
					"tabnine.com",
					"grammarly.com",
					"perplexity.ai",
					"poe.com",
					"character.ai",
				},
				ResolveDomains: true,
			},
			Filesystem: FilesystemConfig{
				WatchDirectories:     defaultWatchDirectories(),
				SuspiciousExtensions: []string{".ai", ".gpt", ".llm", ".assistant"},
				SuspiciousFilenames: []string{
					"**/*chatgpt*",
					"**/*claude*",
					"**/*ai-response*",
					"**/*llm-output*",
				},
				ContentPatterns: []string{
					`(?i)as an ai (language model|assistant)`,
					`(?i)sk-[a-z0-9]{20,}`,
				},
				MaxDepth:        5,
				MaxContentBytes: 1 << 20,
			},
			Browser: BrowserConfig{
				ExtensionRoots: defaultExtensionRoots(),
				KnownAIExtensions: map[string]string{
					"lbneaaedflankmgmfbmaplggbmjjmbae": "ChatGPT App",
					"bibjgkidgpfbblifamdlkdlhgihmfohh": "AI Assistant - ChatGPT and Gemini",
					"bgejafhieobnfpjlpcjjggoboebonfcg": "ChatGPT Assistant - Smart Search",
					"befflofjcniongenjmbkgkoljhgliihe": "TinaMind - GPT-4 AI Assistant",
					"cedgndijpacnfbdggppddacngjfdkaca": "Wayin AI",
					"bbdnohkpnbkdkmnkddobeafboooinpla": "Search Copilot AI Assistant",
					"kbfnbcaeplbcioakkpcpgfkobkghlhen": "Grammarly",
				},
				SuspiciousPermissions: []string{
					"webRequest",
					"webRequestBlocking",
					"tabs",
					"activeTab",
					"background",
					"cookies",
					"storage",
					"clipboardRead",
					"clipboardWrite",
				},
			},
			Screen: ScreenConfig{
				ConfidenceThreshold: 0.7,
			},
			Output: OutputConfig{
				SuspiciousPhrases: []string{
					"as an AI",
					"language model",
					"training data",
					"knowledge cutoff",
					"I don't have personal",
					"I cannot browse",
					"I cannot access",
					"my last update",
					"based on my training",
				},
				ConfidenceThreshold: 0.5,
			},
		},

		Correlation: CorrelationConfig{
			WindowSeconds:         60,
			MinConfidenceForAlert: 0.75,
			MaxEventsPerSubject:   1000,
			GCIntervalSeconds:     30,
		},

		Bam: BamConfig{
			CheckIntervalSeconds:  30,
			AnomalyScoreThreshold: 0.8,
			PollIntervalMs:        100,
			PythonPath:            "python3",
			ScriptPath:            "bam/bam.py",
			ScriptTimeoutSeconds:  60,
		},

		Bus: BusConfig{
			Capacity:      1000,
			SendTimeoutMs: 1000,
		},

		Store: StoreConfig{
			MaxAlerts:             10000,
			DedupeCap:             100000,
			DedupeCooldownSeconds: 300,
		},
	}
}

func defaultWatchDirectories() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{
		filepath.Join(home, "Downloads"),
		filepath.Join(home, "Documents"),
		filepath.Join(home, "Desktop"),
	}
}

func defaultExtensionRoots() map[string][]string {
	home, err := os.UserHomeDir()
	if err != nil {
		return map[string][]string{}
	}
	return map[string][]string{
		"chrome": {
			filepath.Join(home, ".config", "google-chrome", "Default", "Extensions"),
			filepath.Join(home, "Library", "Application Support", "Google", "Chrome", "Default", "Extensions"),
		},
		"chromium": {
			filepath.Join(home, ".config", "chromium", "Default", "Extensions"),
		},
		"edge": {
			filepath.Join(home, ".config", "microsoft-edge", "Default", "Extensions"),
			filepath.Join(home, "Library", "Application Support", "Microsoft Edge", "Default", "Extensions"),
		},
	}
}
