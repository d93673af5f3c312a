package service

// ServiceFactory builds the credential services from one set of dependencies
type ServiceFactory struct {
	provisioning *ProvisioningService
	engine       *AuthenticationEngine
}

func NewServiceFactory(deps Dependencies) (*ServiceFactory, error) {
	provisioning, err := NewProvisioningService(deps)
	if err != nil {
		return nil, err
	}
	engine, err := NewAuthenticationEngine(deps)
	if err != nil {
		return nil, err
	}
	return &ServiceFactory{provisioning: provisioning, engine: engine}, nil
}

// ProvisioningService returns the shared provisioning service
func (f *ServiceFactory) ProvisioningService() *ProvisioningService {
	return f.provisioning
}

// AuthenticationEngine returns the shared authentication engine
func (f *ServiceFactory) AuthenticationEngine() *AuthenticationEngine {
	return f.engine
}
