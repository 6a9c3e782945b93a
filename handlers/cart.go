package handlers

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Bossciano/SIMPLE-ECOMMERCE/models"
)

// CartHandler manages the authenticated user's cart rows. Every operation
// takes the user id from the request context set by the auth middleware;
// there is no client-supplied or ambient session identifier.
type CartHandler struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewCartHandler(db *sql.DB, logger *zap.Logger) *CartHandler {
	return &CartHandler{
		db:     db,
		logger: logger,
	}
}

func (h *CartHandler) GetCart(c *gin.Context) {
	ctx, span := otel.Tracer("storefront").Start(c.Request.Context(), "GetCart")
	defer span.End()

	userID := c.GetInt("user_id")
	span.SetAttributes(attribute.Int("user_id", userID))

	rows, err := h.db.QueryContext(ctx,
		`SELECT ci.user_id, ci.product_id, ci.quantity, p.name, p.price, p.image_url
		 FROM cart_items ci JOIN products p ON p.id = ci.product_id
		 WHERE ci.user_id = $1 ORDER BY ci.product_id`,
		userID,
	)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to fetch cart", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	defer rows.Close()

	items := []models.CartItem{}
	var total int64
	for rows.Next() {
		var item models.CartItem
		if err := rows.Scan(&item.UserID, &item.ProductID, &item.Quantity, &item.Name, &item.Price, &item.ImageURL); err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to scan cart item", zap.Error(err))
			continue
		}
		total += item.Price * int64(item.Quantity)
		items = append(items, item)
	}

	span.SetAttributes(attribute.Int("cart.items", len(items)))
	c.JSON(http.StatusOK, gin.H{"items": items, "total": total})
}

func (h *CartHandler) AddItem(c *gin.Context) {
	ctx, span := otel.Tracer("storefront").Start(c.Request.Context(), "AddCartItem")
	defer span.End()

	userID := c.GetInt("user_id")

	var req models.AddCartItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	span.SetAttributes(
		attribute.Int("user_id", userID),
		attribute.Int("product_id", req.ProductID),
		attribute.Int("quantity", req.Quantity),
	)

	// The cart only ever references products that exist
	var productID int
	err := h.db.QueryRowContext(ctx, "SELECT id FROM products WHERE id = $1", req.ProductID).Scan(&productID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Product not found"})
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to look up product", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	var quantity int
	err = h.db.QueryRowContext(ctx,
		`INSERT INTO cart_items (user_id, product_id, quantity) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, product_id)
		 DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity
		 RETURNING quantity`,
		userID, req.ProductID, req.Quantity,
	).Scan(&quantity)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to add cart item", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	h.logger.Info("Cart item added",
		zap.Int("user_id", userID),
		zap.Int("product_id", req.ProductID),
		zap.Int("quantity", quantity),
	)
	c.JSON(http.StatusOK, gin.H{"product_id": req.ProductID, "quantity": quantity})
}

func (h *CartHandler) UpdateItem(c *gin.Context) {
	ctx, span := otel.Tracer("storefront").Start(c.Request.Context(), "UpdateCartItem")
	defer span.End()

	userID := c.GetInt("user_id")

	productID, err := strconv.Atoi(c.Param("productId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid product ID"})
		return
	}

	var req models.UpdateCartItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.db.ExecContext(ctx,
		"UPDATE cart_items SET quantity = $1 WHERE user_id = $2 AND product_id = $3",
		req.Quantity, userID, productID,
	)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to update cart item", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Cart item not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"product_id": productID, "quantity": req.Quantity})
}

func (h *CartHandler) RemoveItem(c *gin.Context) {
	ctx, span := otel.Tracer("storefront").Start(c.Request.Context(), "RemoveCartItem")
	defer span.End()

	userID := c.GetInt("user_id")

	productID, err := strconv.Atoi(c.Param("productId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid product ID"})
		return
	}

	result, err := h.db.ExecContext(ctx,
		"DELETE FROM cart_items WHERE user_id = $1 AND product_id = $2",
		userID, productID,
	)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to remove cart item", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Cart item not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Cart item removed"})
}

func (h *CartHandler) ClearCart(c *gin.Context) {
	ctx, span := otel.Tracer("storefront").Start(c.Request.Context(), "ClearCart")
	defer span.End()

	userID := c.GetInt("user_id")

	if _, err := h.db.ExecContext(ctx, "DELETE FROM cart_items WHERE user_id = $1", userID); err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to clear cart", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Cart cleared"})
}
