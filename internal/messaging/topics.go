package messaging

// Topics carried between poold, shareproc and blocksubmit.
const (
	TopicJobs            = "mining.jobs"             // poold → shareproc
	TopicShareResults    = "mining.share_results"    // poold → shareproc
	TopicBlockCandidates = "mining.block_candidates" // poold → blocksubmit
	TopicBlockResults    = "mining.block_results"    // blocksubmit → shareproc
)

// AllTopics lists every topic, in pipeline order.
var AllTopics = []string{TopicJobs, TopicShareResults, TopicBlockCandidates, TopicBlockResults}

// Block submission outcomes carried in BlockResultMessage.Status.
const (
	BlockStatusAccepted = "accepted"
	BlockStatusRejected = "rejected"
	BlockStatusFailed   = "failed"
)
