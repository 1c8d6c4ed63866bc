package cmd

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
)

// tokenCmd represents the token command
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Create keys and bearer tokens for webhook auth",
	Long: `Create an RSA key pair for WEBHOOK_JWT_PUBLIC_KEY and mint RS256 bearer
tokens signed with the private half. Intended for local and staging setups.`,
}

var tokenKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an RSA key pair",
	Long: `Generate an RSA key pair. The private key is written to --out and the
public key, suitable for WEBHOOK_JWT_PUBLIC_KEY, is printed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		outFile, _ := cmd.Flags().GetString("out")
		bits, _ := cmd.Flags().GetInt("bits")

		privPEM, pubPEM, err := generateKeyPair(bits)
		if err != nil {
			return err
		}
		if err := os.WriteFile(outFile, privPEM, 0o600); err != nil {
			return fmt.Errorf("write private key: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Private key written to %s\n", outFile)
		_, err = cmd.OutOrStdout().Write(pubPEM)
		return err
	},
}

var tokenMintCmd = &cobra.Command{
	Use:   "mint",
	Short: "Mint a signed bearer token",
	Long: `Mint an RS256 token for a webhook caller.

Example:
  notifyctl token mint --key notifier.key --sub contract-watcher --iss contract-watcher`,
	RunE: func(cmd *cobra.Command, args []string) error {
		keyFile, _ := cmd.Flags().GetString("key")
		sub, _ := cmd.Flags().GetString("sub")
		iss, _ := cmd.Flags().GetString("iss")
		aud, _ := cmd.Flags().GetString("aud")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		keyPEM, err := os.ReadFile(keyFile)
		if err != nil {
			return fmt.Errorf("read private key: %w", err)
		}
		token, err := mintToken(keyPEM, sub, iss, aud, ttl, time.Now())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, map[string]any{
				"token":      token,
				"expires_in": int(ttl.Seconds()),
				"token_type": "Bearer",
			})
			return nil
		}
		_, err = io.WriteString(out, token+"\n")
		return err
	},
}

func generateKeyPair(bits int) (privPEM, pubPEM []byte, err error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal public key: %w", err)
	}
	privPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	pubPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return privPEM, pubPEM, nil
}

func mintToken(keyPEM []byte, sub, iss, aud string, ttl time.Duration, now time.Time) (string, error) {
	if sub == "" {
		return "", fmt.Errorf("--sub is required")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("--ttl must be positive")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(keyPEM)
	if err != nil {
		return "", fmt.Errorf("parse private key: %w", err)
	}

	claims := jwt.MapClaims{
		"sub": sub,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if iss != "" {
		claims["iss"] = iss
	}
	if aud != "" {
		claims["aud"] = aud
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenKeygenCmd, tokenMintCmd)

	tokenKeygenCmd.Flags().String("out", "notifier.key", "private key output file")
	tokenKeygenCmd.Flags().Int("bits", 2048, "RSA key size")

	tokenMintCmd.Flags().String("key", "notifier.key", "PEM private key file")
	tokenMintCmd.Flags().String("sub", "", "subject (caller identity)")
	tokenMintCmd.Flags().String("iss", "", "issuer, matching WEBHOOK_JWT_ISSUER")
	tokenMintCmd.Flags().String("aud", "", "audience, matching WEBHOOK_JWT_AUDIENCE")
	tokenMintCmd.Flags().Duration("ttl", time.Hour, "token lifetime")
}
