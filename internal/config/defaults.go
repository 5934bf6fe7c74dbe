package config

const (
	defaultConfigPath          = "~/.config/dedupe/config.toml"
	defaultDataDir             = "~/.local/share/dedupe"
	defaultLogDir              = "~/.local/share/dedupe/logs"
	defaultDatabaseFile        = "dedupe.db"
	defaultBusyTimeoutMS       = 5000
	defaultScanThreshold       = 0.75
	defaultScanChunkSize       = 500
	defaultScanWorkers         = 4
	defaultMaxBlockSize        = 2000
	defaultTitleAlgorithm      = "levenshtein"
	defaultTitlePrefixLength   = 6
	defaultWeightIdentifier    = 0.5
	defaultWeightTitle         = 0.35
	defaultWeightAttachment    = 0.15
	defaultMergeTimeoutSeconds = 30
	defaultSupersededPolicy    = SupersededPolicyFail
	defaultMergeActor          = "system"
	defaultStaleAfterSeconds   = 900
	defaultNotifyTimeout       = 10
	defaultLogFormat           = "console"
	defaultLogLevel            = "info"
)

// Superseded policies decide what happens to a detection whose record was
// already absorbed by an earlier merge.
const (
	SupersededPolicyFail    = "fail"
	SupersededPolicyDismiss = "dismiss"
)

var (
	knownMethods         = []string{"exact-identifier", "fuzzy-identifier", "fuzzy-title", "attachment-hash", "composite"}
	knownBlockingKeys    = []string{"title-prefix", "identifier", "repository-level", "attachment-hash"}
	knownTitleAlgorithms = []string{"levenshtein", "jaro-winkler", "token-cosine"}
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
		},
		Database: Database{
			BusyTimeoutMS: defaultBusyTimeoutMS,
		},
		Scan: Scan{
			Threshold:         defaultScanThreshold,
			ChunkSize:         defaultScanChunkSize,
			Workers:           defaultScanWorkers,
			MaxBlockSize:      defaultMaxBlockSize,
			BlockingKeys:      []string{"title-prefix", "identifier", "attachment-hash"},
			Methods:           []string{"composite"},
			TitleAlgorithm:    defaultTitleAlgorithm,
			TitlePrefixLength: defaultTitlePrefixLength,
			Weights: Weights{
				Identifier: defaultWeightIdentifier,
				Title:      defaultWeightTitle,
				Attachment: defaultWeightAttachment,
			},
		},
		Merge: Merge{
			TimeoutSeconds:   defaultMergeTimeoutSeconds,
			SupersededPolicy: defaultSupersededPolicy,
			DefaultActor:     defaultMergeActor,
		},
		Jobs: Jobs{
			StaleAfterSeconds: defaultStaleAfterSeconds,
		},
		Notifications: Notifications{
			RequestTimeoutSeconds: defaultNotifyTimeout,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
