package biz

import "github.com/google/wire"

// ProviderSet is biz providers.
var ProviderSet = wire.NewSet(
	NewBillingConfig,
	NewPlanCatalog,
	NewCapabilityMatrix,
	NewProviderStrategy,
	NewTranscriptionOrchestrator,
	NewBillingClassifier,
	NewPlanLimitGuard,
	NewOwnerUseCase,
	NewUsageUseCase,
	NewSessionUseCase,
	NewTranscriptionWorker,
)
