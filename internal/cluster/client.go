// Package cluster translates batch job records into Kubernetes objects and
// performs CRUD against the cluster.
package cluster

import (
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"taskrunner/internal/config"
)

// NewClientset builds a clientset for the configured cluster. An explicit
// API URL and bearer token take precedence; otherwise the kubeconfig file is
// used when present, then in-cluster configuration.
func NewClientset(cfg config.KubernetesConfig) (kubernetes.Interface, error) {
	if cfg.APIURL != "" {
		restCfg := &rest.Config{
			Host:        cfg.APIURL,
			BearerToken: cfg.APIKey,
		}
		cs, err := kubernetes.NewForConfig(restCfg)
		if err != nil {
			return nil, fmt.Errorf("create clientset for %s: %w", cfg.APIURL, err)
		}
		return cs, nil
	}

	kubeconfig := os.Getenv("KUBECONFIG")
	if kubeconfig == "" {
		home, _ := os.UserHomeDir()
		kubeconfig = filepath.Join(home, ".kube", "config")
	}
	if _, err := os.Stat(kubeconfig); err == nil {
		restCfg, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("build config from kubeconfig: %w", err)
		}
		cs, err := kubernetes.NewForConfig(restCfg)
		if err != nil {
			return nil, fmt.Errorf("create clientset from kubeconfig: %w", err)
		}
		return cs, nil
	}

	restCfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("in-cluster config: %w", err)
	}
	cs, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("create clientset from in-cluster config: %w", err)
	}
	return cs, nil
}
